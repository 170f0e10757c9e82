// Package bootstrap parses bootstrap peer addresses with peer ID pinning and
// dials peers with exponential backoff.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("rm-bootstrap")

// ErrNoPeerID is returned when dialing an address without a pinned peer ID.
var ErrNoPeerID = errors.New("bootstrap address missing peer ID: peer ID pinning required")

// PeerInfo represents a bootstrap peer with its address and expected peer ID.
type PeerInfo struct {
	// AddrInfo contains the peer ID and addresses for connection
	AddrInfo peer.AddrInfo

	// HasPinnedID indicates whether the address included a peer ID.
	// Without one the remote key cannot be verified during the handshake.
	HasPinnedID bool

	// RawAddress is the original multiaddr string for logging
	RawAddress string
}

// ParseBootstrapAddresses parses a list of bootstrap multiaddresses. Invalid
// addresses are logged and skipped.
//
// Addresses should be in the format: /ip4/x.x.x.x/tcp/port/p2p/PEER_ID
// or /dnsaddr/hostname/p2p/PEER_ID
func ParseBootstrapAddresses(addresses []string) []PeerInfo {
	peers := make([]PeerInfo, 0, len(addresses))

	for _, addr := range addresses {
		peerInfo, err := ParseBootstrapAddress(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}

		if !peerInfo.HasPinnedID {
			log.Warnf("Bootstrap address %s does not include a peer ID and will not be dialed. "+
				"Use format: %s/p2p/<PEER_ID>", addr, addr)
		}

		peers = append(peers, peerInfo)
	}

	return peers
}

// ParseBootstrapAddress parses a single bootstrap multiaddress.
func ParseBootstrapAddress(addr string) (PeerInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("invalid multiaddr: %w", err)
	}

	if containsP2PComponent(addr) {
		addrInfo, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("failed to parse peer info: %w", err)
		}

		return PeerInfo{
			AddrInfo:    *addrInfo,
			HasPinnedID: true,
			RawAddress:  addr,
		}, nil
	}

	return PeerInfo{
		AddrInfo: peer.AddrInfo{
			Addrs: []multiaddr.Multiaddr{ma},
		},
		HasPinnedID: false,
		RawAddress:  addr,
	}, nil
}

// containsP2PComponent checks if a multiaddr string contains a /p2p/ component.
func containsP2PComponent(addr string) bool {
	return strings.Contains(addr, "/p2p/") || strings.Contains(addr, "/ipfs/")
}

// RequirePinnedPeerIDs returns only the bootstrap peers that have pinned peer IDs.
func RequirePinnedPeerIDs(peers []PeerInfo) []PeerInfo {
	pinned := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.HasPinnedID {
			pinned = append(pinned, p)
		}
	}
	return pinned
}

// Connector is the part of a libp2p host the dialer needs.
type Connector interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
}

// DialConfig bounds the backoff schedule of a single peer.
type DialConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultDialConfig returns the schedule used for bootstrap and remembered peers.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// ConnectResult represents the result of a connection attempt.
type ConnectResult struct {
	PeerID   peer.ID
	Attempts int
	Error    error
}

// Dial connects to pi, retrying with exponential backoff until it succeeds,
// the schedule is exhausted or ctx is cancelled.
func Dial(ctx context.Context, h Connector, pi peer.AddrInfo, cfg DialConfig) ConnectResult {
	result := ConnectResult{PeerID: pi.ID}

	if pi.ID == "" {
		result.Error = ErrNoPeerID
		return result
	}
	if pi.ID == h.ID() {
		result.Error = errors.New("refusing to dial self")
		return result
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = cfg.MaxElapsedTime

	op := func() error {
		result.Attempts++
		// The security handshake verifies the remote key against pi.ID.
		err := h.Connect(ctx, pi)
		if err != nil {
			log.Debugf("Dial %s attempt %d failed: %v", pi.ID, result.Attempts, err)
		}
		return err
	}

	result.Error = backoff.Retry(op, backoff.WithContext(eb, ctx))
	return result
}

// DialAll dials every peer concurrently and returns the results in input order.
func DialAll(ctx context.Context, h Connector, peers []peer.AddrInfo, cfg DialConfig) []ConnectResult {
	results := make([]ConnectResult, len(peers))

	var wg sync.WaitGroup
	for i, pi := range peers {
		wg.Add(1)
		go func(i int, pi peer.AddrInfo) {
			defer wg.Done()
			results[i] = Dial(ctx, h, pi, cfg)
			if results[i].Error != nil {
				log.Warnf("Failed to connect to peer %s: %v", pi.ID, results[i].Error)
			} else {
				log.Infof("Connected to peer %s", pi.ID)
			}
		}(i, pi)
	}
	wg.Wait()

	return results
}

// ValidateBootstrapConfig checks a list of bootstrap addresses and returns
// warnings about any security issues.
func ValidateBootstrapConfig(addresses []string) []string {
	var warnings []string

	for _, addr := range addresses {
		if !containsP2PComponent(addr) {
			warnings = append(warnings, fmt.Sprintf(
				"Bootstrap address %q lacks peer ID - update to format: %s/p2p/<PEER_ID>",
				addr, addr))
		}
	}

	return warnings
}
