// Package records provides the in-memory record store owned by a node.
package records

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned when no record has the requested identifier.
	ErrNotFound = errors.New("record not found")
	// ErrEmptyName is returned when a record is created without a name.
	ErrEmptyName = errors.New("record name must not be empty")
	// ErrInvalidText is returned when a name or category is not valid UTF-8.
	ErrInvalidText = errors.New("record text must be valid UTF-8")
)

// Record is an immutable entry in a node's store.
type Record struct {
	ID       uint64 `json:"id" cbor:"id"`
	Name     string `json:"name" cbor:"name"`
	Category string `json:"category" cbor:"category"`
	Flag     bool   `json:"flag" cbor:"flag"`
}

// String renders the record for operator output.
func (r Record) String() string {
	return fmt.Sprintf("#%d %s (%s) flag=%t", r.ID, r.Name, r.Category, r.Flag)
}

// Store maps identifiers to records and remembers insertion order.
//
// A Store is not safe for concurrent use. It belongs to the event loop
// goroutine, which is the only writer and reader.
type Store struct {
	byID   map[uint64]int
	items  []Record
	nextID uint64
}

// NewStore creates an empty store. Identifiers start at 1.
func NewStore() *Store {
	return &Store{
		byID:   make(map[uint64]int),
		nextID: 1,
	}
}

// Create allocates a fresh identifier and inserts a new record.
func (s *Store) Create(name, category string, flag bool) (Record, error) {
	if name == "" {
		return Record{}, ErrEmptyName
	}
	// Both codecs must carry the text unchanged.
	if !utf8.ValidString(name) || !utf8.ValidString(category) {
		return Record{}, ErrInvalidText
	}

	id := s.nextID
	for {
		if _, taken := s.byID[id]; !taken {
			break
		}
		id++
	}
	s.nextID = id + 1

	r := Record{
		ID:       id,
		Name:     name,
		Category: category,
		Flag:     flag,
	}
	s.byID[id] = len(s.items)
	s.items = append(s.items, r)
	return r, nil
}

// All returns a snapshot of every record in insertion order.
func (s *Store) All() []Record {
	out := make([]Record, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the record with the given identifier.
func (s *Store) Get(id uint64) (Record, error) {
	idx, ok := s.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return s.items[idx], nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	return len(s.items)
}
