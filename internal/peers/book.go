package peers

import (
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("rm-peers")

// Entry is what the address book knows about a discovered peer.
type Entry struct {
	ID       peer.ID
	Addrs    []multiaddr.Multiaddr
	Source   string // "mdns", "dht" or "bootstrap"
	LastSeen time.Time
}

// AddrInfo returns the dialable form of the entry.
func (e *Entry) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: e.ID, Addrs: e.Addrs}
}

// Persistence stores address book entries across restarts.
type Persistence interface {
	Save(e *Entry) error
	Load() (map[peer.ID]*Entry, error)
	Delete(id peer.ID) error
	Close() error
}

// Book remembers the addresses of discovered peers so they can be redialed.
// It is written from discovery goroutines and is safe for concurrent use.
type Book struct {
	entries     map[peer.ID]*Entry
	persistence Persistence
	mu          sync.RWMutex
}

// NewBook creates an address book. persistence may be nil for an in-memory
// book; otherwise previously saved entries are loaded.
func NewBook(persistence Persistence) *Book {
	b := &Book{
		entries:     make(map[peer.ID]*Entry),
		persistence: persistence,
	}

	if persistence != nil {
		entries, err := persistence.Load()
		if err != nil {
			log.Warnf("Failed to load address book: %v", err)
		} else {
			b.entries = entries
			log.Infof("Loaded %d peers from address book", len(entries))
		}
	}

	return b
}

// Remember records or refreshes the addresses of a discovered peer.
func (b *Book) Remember(pi peer.AddrInfo, source string) {
	if pi.ID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[pi.ID]
	if !ok {
		e = &Entry{ID: pi.ID}
		b.entries[pi.ID] = e
	}
	if len(pi.Addrs) > 0 {
		e.Addrs = append([]multiaddr.Multiaddr(nil), pi.Addrs...)
	}
	e.Source = source
	e.LastSeen = time.Now()

	if b.persistence != nil {
		if err := b.persistence.Save(e); err != nil {
			log.Warnf("Failed to persist peer %s: %v", pi.ID, err)
		}
	}
}

// Forget removes a peer from the book.
func (b *Book) Forget(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, id)
	if b.persistence != nil {
		if err := b.persistence.Delete(id); err != nil {
			log.Warnf("Failed to delete peer %s: %v", id, err)
		}
	}
}

// Get returns a copy of the entry for id.
func (b *Book) Get(id peer.ID) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Known returns every remembered peer with at least one address, most
// recently seen first.
func (b *Book) Known() []peer.AddrInfo {
	b.mu.RLock()
	entries := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if len(e.Addrs) > 0 {
			entries = append(entries, e)
		}
	}
	b.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})

	out := make([]peer.AddrInfo, len(entries))
	for i, e := range entries {
		out[i] = e.AddrInfo()
	}
	return out
}

// Prune forgets peers not seen within maxAge and returns how many were
// removed.
func (b *Book) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, e := range b.entries {
		if !e.LastSeen.Before(cutoff) {
			continue
		}
		delete(b.entries, id)
		removed++
		if b.persistence != nil {
			if err := b.persistence.Delete(id); err != nil {
				log.Warnf("Failed to delete peer %s: %v", id, err)
			}
		}
	}
	return removed
}

// Len returns the number of remembered peers.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Close releases the persistence backend.
func (b *Book) Close() error {
	if b.persistence == nil {
		return nil
	}
	return b.persistence.Close()
}
