// Package node provides the libp2p side of a recordmesh peer: host, topic
// membership, discovery and the stream of network events the event loop
// consumes.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"

	"github.com/recordmesh/recordmesh/internal/bootstrap"
	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/peers"
	"github.com/recordmesh/recordmesh/internal/pubsub"
)

var log = logging.Logger("rm-node")

// ErrListen is returned when the host cannot listen on its configured
// addresses.
var ErrListen = errors.New("failed to listen")

// dhtProtocolPrefix keeps the routing table private to recordmesh peers.
const dhtProtocolPrefix = "/recordmesh"

// Node represents a recordmesh peer on the network.
type Node struct {
	host     host.Host
	dht      *dht.IpfsDHT
	pubsub   *ps.PubSub
	topic    *pubsub.TopicManager
	receiver *pubsub.Receiver
	notifiee *network.NotifyBundle
	book     *peers.Book
	config   *config.Config
	dial     bootstrap.DialConfig

	events   chan Event
	emitMu   sync.RWMutex
	closed   bool
	pumps    sync.WaitGroup
	started  bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a libp2p host from cfg and joins the record topic. book may be
// nil.
func New(ctx context.Context, cfg *config.Config, book *peers.Book) (*Node, error) {
	privKey, err := LoadOrCreateKey(cfg.Identity.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.Listen))
	for _, addr := range cfg.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid listen address %s: %v", ErrListen, addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	lowWater := cfg.Network.MaxConns / 2
	connMgr, err := connmgr.NewConnManager(lowWater, cfg.Network.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	pinned := bootstrap.RequirePinnedPeerIDs(bootstrap.ParseBootstrapAddresses(cfg.Network.Bootstrap))

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(connMgr),
	}

	var dhtRouting *dht.IpfsDHT
	if cfg.Network.EnableDHT {
		bootstrapInfos := make([]peer.AddrInfo, 0, len(pinned))
		for _, p := range pinned {
			bootstrapInfos = append(bootstrapInfos, p.AddrInfo)
		}
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			dhtRouting, err = dht.New(ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix(dhtProtocolPrefix),
				dht.BootstrapPeers(bootstrapInfos...),
			)
			return dhtRouting, err
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListen, err)
	}

	n, err := newNode(ctx, h, cfg, book)
	if err != nil {
		h.Close()
		return nil, err
	}
	n.dht = dhtRouting
	return n, nil
}

// NewWithHost wraps an existing host. Discovery is limited to what cfg
// enables; the DHT is never started.
func NewWithHost(ctx context.Context, h host.Host, cfg *config.Config, book *peers.Book) (*Node, error) {
	return newNode(ctx, h, cfg, book)
}

func newNode(ctx context.Context, h host.Host, cfg *config.Config, book *peers.Book) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	if book == nil {
		book = peers.NewBook(nil)
	}
	buffer := cfg.Network.EventBuffer
	if buffer <= 0 {
		buffer = 1
	}

	n := &Node{
		host:   h,
		book:   book,
		config: cfg,
		dial:   bootstrap.DefaultDialConfig(),
		events: make(chan Event, buffer),
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

func (n *Node) init() error {
	var err error

	// Pub/sub queues hold one full outbox so a large answer is not dropped
	// between the responder's router and our receive loop.
	queueSize := n.config.Loop.OutboxSize
	if queueSize <= 0 {
		queueSize = config.Default().Loop.OutboxSize
	}
	n.pubsub, err = pubsub.NewRouter(n.ctx, n.host, n.config.Network.Router, n.config.Protocol.MaxMessageSize, queueSize)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	n.topic, err = pubsub.NewTopicManager(n.pubsub, n.config.Network.Topic)
	if err != nil {
		return err
	}

	sub, err := n.topic.Subscribe(ps.WithBufferSize(queueSize))
	if err != nil {
		n.topic.Close()
		return err
	}

	n.receiver = pubsub.NewReceiver(sub, n.host.ID())

	// Registered before any dial so no connection goes unreported.
	n.notifiee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			n.emit(Event{Kind: EventPeerAppeared, Peer: conn.RemotePeer()})
		},
		DisconnectedF: func(net network.Network, conn network.Conn) {
			p := conn.RemotePeer()
			if net.Connectedness(p) == network.Connected {
				return
			}
			n.emit(Event{Kind: EventPeerDisappeared, Peer: p})
		},
	}
	n.host.Network().Notify(n.notifiee)

	return nil
}

// Start begins delivering events and runs discovery.
func (n *Node) Start() {
	if n.started {
		return
	}
	n.started = true

	// Peers connected before Start are reported too.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, p := range n.host.Network().Peers() {
			if n.host.Network().Connectedness(p) == network.Connected {
				n.emit(Event{Kind: EventPeerAppeared, Peer: p})
			}
		}
	}()

	n.pumps.Add(1)
	n.receiver.Start(n.ctx, func(ctx context.Context, d pubsub.Delivery) {
		n.emit(Event{Kind: EventMessage, Peer: d.From, Topic: d.Topic, Data: d.Data})
	}, n.pumps.Done)

	go func() {
		n.pumps.Wait()
		n.closeEvents()
	}()

	n.wg.Add(1)
	go n.dialKnownPeers()

	if n.config.Network.EnableMDNS {
		n.wg.Add(1)
		go n.runMDNS()
	}

	if n.dht != nil {
		n.wg.Add(1)
		go n.runDHTDiscovery()
	}

	log.Infof("Node %s listening on %v", n.host.ID(), n.host.Addrs())
}

// emit forwards ev to the event channel, blocking until there is room or the
// node is closed.
func (n *Node) emit(ev Event) {
	n.emitMu.RLock()
	defer n.emitMu.RUnlock()

	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

func (n *Node) closeEvents() {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	close(n.events)
}

// Events returns the stream of network events. It is closed when the
// subscription ends or the node is closed.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Publish broadcasts data on the record topic.
func (n *Node) Publish(ctx context.Context, data []byte) error {
	return n.topic.Publish(ctx, data)
}

// SelfID returns the node's peer ID.
func (n *Node) SelfID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the node's addresses including the /p2p component.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		return n.host.Addrs()
	}
	return addrs
}

// TopicName returns the record topic name.
func (n *Node) TopicName() string {
	return n.topic.Name()
}

// TopicPeers returns the peers known to be subscribed to the record topic.
func (n *Node) TopicPeers() []peer.ID {
	return n.topic.Peers()
}

// Close gracefully shuts down the node. The address book is left open.
func (n *Node) Close() error {
	var err error
	n.stopOnce.Do(func() {
		n.cancel()
		n.host.Network().StopNotify(n.notifiee)

		if n.receiver != nil {
			n.receiver.Close()
		}
		n.wg.Wait()
		n.closeEvents()

		if cerr := n.topic.Close(); cerr != nil {
			log.Debugf("Error leaving topic: %v", cerr)
		}
		if n.dht != nil {
			if cerr := n.dht.Close(); cerr != nil {
				log.Warnf("Error closing DHT: %v", cerr)
			}
		}
		if cerr := n.host.Close(); cerr != nil {
			err = fmt.Errorf("failed to close host: %w", cerr)
		}
	})
	return err
}
