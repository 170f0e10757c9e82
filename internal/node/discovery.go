package node

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	mh "github.com/multiformats/go-multihash"

	"github.com/recordmesh/recordmesh/internal/bootstrap"
	"github.com/recordmesh/recordmesh/internal/peers"
)

const (
	sourceMDNS      = "mdns"
	sourceDHT       = "dht"
	sourceBootstrap = "bootstrap"

	dhtDiscoveryInterval = time.Minute
	connectTimeout       = 10 * time.Second
)

// DiscoveryNamespace derives the rendezvous key for a topic: the CIDv1 of
// the SHA-256 of the topic name.
func DiscoveryNamespace(topic string) (string, error) {
	hash := sha256.Sum256([]byte(topic))
	multihash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, multihash).String(), nil
}

// mdnsNotifee handles mDNS peer discovery events.
type mdnsNotifee struct {
	host host.Host
	book *peers.Book
	ctx  context.Context
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}

	log.Debugf("mDNS discovered peer: %s", pi.ID)
	m.book.Remember(pi, sourceMDNS)

	if m.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, connectTimeout)
	defer cancel()
	if err := m.host.Connect(ctx, pi); err != nil {
		log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
	} else {
		log.Infof("Connected to mDNS peer: %s", pi.ID)
	}
}

func (n *Node) runMDNS() {
	defer n.wg.Done()

	notifee := &mdnsNotifee{
		host: n.host,
		book: n.book,
		ctx:  n.ctx,
	}

	service := n.config.Network.MDNSService
	mdnsService := mdns.NewMdnsService(n.host, service, notifee)
	if err := mdnsService.Start(); err != nil {
		log.Warnf("Failed to start mDNS service: %v", err)
		return
	}
	defer mdnsService.Close()

	log.Infof("mDNS discovery started with service name: %s", service)

	<-n.ctx.Done()
	log.Debug("mDNS discovery stopped")
}

func (n *Node) runDHTDiscovery() {
	defer n.wg.Done()

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		log.Warnf("Failed to bootstrap DHT: %v", err)
	}

	ns, err := DiscoveryNamespace(n.config.Network.Topic)
	if err != nil {
		log.Errorf("Failed to derive discovery namespace: %v", err)
		return
	}
	log.Infof("DHT discovery namespace: %s", ns)

	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, ns)

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()

	for {
		n.findPeers(rd, ns)

		select {
		case <-n.ctx.Done():
			log.Debug("DHT discovery stopped")
			return
		case <-ticker.C:
		}
	}
}

// findPeers connects to the peers advertising ns.
func (n *Node) findPeers(rd *drouting.RoutingDiscovery, ns string) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	peerChan, err := rd.FindPeers(ctx, ns)
	if err != nil {
		log.Debugf("DHT peer search failed: %v", err)
		return
	}

	for pi := range peerChan {
		if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		n.book.Remember(pi, sourceDHT)

		if n.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}

		go func(pi peer.AddrInfo) {
			connectCtx, connectCancel := context.WithTimeout(n.ctx, connectTimeout)
			defer connectCancel()

			if err := n.host.Connect(connectCtx, pi); err != nil {
				log.Debugf("Failed to connect to discovered peer %s: %v", pi.ID, err)
			} else {
				log.Infof("Connected to discovered peer: %s", pi.ID)
			}
		}(pi)
	}
}

// dialKnownPeers connects to the pinned bootstrap peers and to every peer
// remembered in the address book, retrying each with backoff. Stale book
// entries are pruned first, and remembered peers that cannot be reached are
// forgotten.
func (n *Node) dialKnownPeers() {
	defer n.wg.Done()

	if maxAge := n.config.Peers.MaxAge; maxAge > 0 {
		if removed := n.book.Prune(maxAge); removed > 0 {
			log.Infof("Pruned %d peers not seen for %s", removed, maxAge)
		}
	}

	for _, w := range bootstrap.ValidateBootstrapConfig(n.config.Network.Bootstrap) {
		log.Warnf("Bootstrap configuration: %s", w)
	}

	bootstrapPeers := bootstrap.ParseBootstrapAddresses(n.config.Network.Bootstrap)
	pinned := bootstrap.RequirePinnedPeerIDs(bootstrapPeers)
	if len(pinned) < len(bootstrapPeers) {
		log.Warnf("Skipping %d bootstrap peers without peer IDs (peer ID pinning required)",
			len(bootstrapPeers)-len(pinned))
	}

	targets := make([]peer.AddrInfo, 0, len(pinned))
	seen := make(map[peer.ID]struct{})
	for _, p := range pinned {
		n.book.Remember(p.AddrInfo, sourceBootstrap)
		targets = append(targets, p.AddrInfo)
		seen[p.AddrInfo.ID] = struct{}{}
	}
	for _, pi := range n.book.Known() {
		if _, ok := seen[pi.ID]; ok || pi.ID == n.host.ID() {
			continue
		}
		targets = append(targets, pi)
	}

	if len(targets) == 0 {
		return
	}

	log.Infof("Dialing %d known peers", len(targets))
	results := bootstrap.DialAll(n.ctx, n.host, targets, n.dial)

	connected := 0
	for _, r := range results {
		if r.Error == nil {
			connected++
			continue
		}
		n.forgetUnreachable(r.PeerID)
	}
	log.Infof("Connected to %d of %d known peers", connected, len(targets))
}

// forgetUnreachable drops a discovered peer whose dial gave up. Configured
// bootstrap peers are kept, and nothing is dropped once the node is closing.
func (n *Node) forgetUnreachable(id peer.ID) {
	if n.ctx.Err() != nil {
		return
	}
	e, ok := n.book.Get(id)
	if !ok || e.Source == sourceBootstrap {
		return
	}
	// Connected through another path, e.g. mDNS, while the dial was retrying.
	if n.host.Network().Connectedness(id) == network.Connected {
		return
	}
	log.Infof("Forgetting unreachable peer %s (%s)", id, e.Source)
	n.book.Forget(id)
}
