// Package peers tracks the peers a node can currently reach and remembers the
// addresses of every peer it has discovered.
package peers

import (
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// LivePeer is a currently connected peer.
type LivePeer struct {
	ID    peer.ID
	Since time.Time
}

// LiveSet is the event loop's bookkeeping of reachable peers. It is not safe
// for concurrent use.
type LiveSet struct {
	peers map[peer.ID]time.Time
}

// NewLiveSet creates an empty set.
func NewLiveSet() *LiveSet {
	return &LiveSet{peers: make(map[peer.ID]time.Time)}
}

// Add marks id as reachable. It reports false when id was already present.
func (s *LiveSet) Add(id peer.ID, at time.Time) bool {
	if _, ok := s.peers[id]; ok {
		return false
	}
	s.peers[id] = at
	return true
}

// Remove forgets id. It reports false when id was not present.
func (s *LiveSet) Remove(id peer.ID) bool {
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	return true
}

// Contains reports whether id is reachable.
func (s *LiveSet) Contains(id peer.ID) bool {
	_, ok := s.peers[id]
	return ok
}

// List returns the live peers, oldest connection first.
func (s *LiveSet) List() []LivePeer {
	out := make([]LivePeer, 0, len(s.peers))
	for id, since := range s.peers {
		out = append(out, LivePeer{ID: id, Since: since})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID < out[j].ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Len returns the number of live peers.
func (s *LiveSet) Len() int {
	return len(s.peers)
}
