package peers

import (
	"database/sql"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"
	"github.com/multiformats/go-multiaddr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLitePersistence provides SQLite-based persistence for the address book.
type SQLitePersistence struct {
	db   *sql.DB
	path string
}

// NewSQLitePersistence creates a new SQLite persistence provider.
func NewSQLitePersistence(dbPath string) (*SQLitePersistence, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	sp := &SQLitePersistence{
		db:   db,
		path: dbPath,
	}

	if err := sp.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return sp, nil
}

// initialize creates the required tables.
func (sp *SQLitePersistence) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS known_peers (
		id TEXT PRIMARY KEY,
		addrs TEXT NOT NULL,
		source TEXT,
		last_seen TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_known_peers_last_seen ON known_peers(last_seen);
	`

	_, err := sp.db.Exec(schema)
	return err
}

// Save upserts one entry.
func (sp *SQLitePersistence) Save(e *Entry) error {
	addrsJSON, err := json.Marshal(multiaddrsToStrings(e.Addrs))
	if err != nil {
		return err
	}

	_, err = sp.db.Exec(`
		INSERT OR REPLACE INTO known_peers (id, addrs, source, last_seen)
		VALUES (?, ?, ?, ?)
	`,
		e.ID.String(),
		string(addrsJSON),
		e.Source,
		e.LastSeen.UTC(),
	)
	return err
}

// Load reads every entry. Rows with undecodable peer IDs are skipped.
func (sp *SQLitePersistence) Load() (map[peer.ID]*Entry, error) {
	entries := make(map[peer.ID]*Entry)

	rows, err := sp.db.Query(`SELECT id, addrs, source, last_seen FROM known_peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr     string
			addrsJSON string
			source    sql.NullString
			lastSeen  sql.NullTime
		)

		if err := rows.Scan(&idStr, &addrsJSON, &source, &lastSeen); err != nil {
			log.Debugf("Skipping unreadable address book row: %v", err)
			continue
		}

		peerID, err := peer.Decode(idStr)
		if err != nil {
			log.Debugf("Skipping address book row with bad peer ID %q: %v", idStr, err)
			continue
		}

		var addrStrs []string
		if err := json.Unmarshal([]byte(addrsJSON), &addrStrs); err != nil {
			log.Debugf("Skipping address book row for %s: %v", peerID, err)
			continue
		}

		entries[peerID] = &Entry{
			ID:       peerID,
			Addrs:    stringsToMultiaddrs(addrStrs),
			Source:   source.String,
			LastSeen: lastSeen.Time,
		}
	}

	return entries, rows.Err()
}

// Delete removes one entry.
func (sp *SQLitePersistence) Delete(id peer.ID) error {
	_, err := sp.db.Exec(`DELETE FROM known_peers WHERE id = ?`, id.String())
	return err
}

// Close closes the database connection.
func (sp *SQLitePersistence) Close() error {
	return sp.db.Close()
}

func multiaddrsToStrings(addrs []multiaddr.Multiaddr) []string {
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}
	return strs
}

func stringsToMultiaddrs(strs []string) []multiaddr.Multiaddr {
	addrs := make([]multiaddr.Multiaddr, 0, len(strs))
	for _, s := range strs {
		if addr, err := multiaddr.NewMultiaddr(s); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
