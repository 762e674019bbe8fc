package main

import (
	"database/sql"
	"fmt"
	"net"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the SQLite contact journal. Every contact the node learns is
// recorded here, so a restarted node can warm its routing table without
// waiting for a full bootstrap. It complements the state snapshot: the
// journal is a rolling cache, the snapshot is the explicit shutdown state.
type Storage struct {
	db *sql.DB
}

// NewStorage opens (or creates) the journal database
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	storage := &Storage{db: db}
	if err := storage.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

func (s *Storage) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		ip TEXT NOT NULL,
		port INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contacts_last_seen ON contacts(last_seen);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveContact adds or refreshes a journal entry
func (s *Storage) SaveContact(c Contact) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO contacts (id, ip, port, last_seen)
		VALUES (?, ?, ?, ?)
	`, c.ID.String(), fmt.Sprintf("%d.%d.%d.%d", c.IP[0], c.IP[1], c.IP[2], c.IP[3]),
		c.Port, time.Now().Unix())
	return err
}

// Contacts returns every journaled contact, most recently seen first
func (s *Storage) Contacts() ([]Contact, error) {
	rows, err := s.db.Query(`
		SELECT id, ip, port
		FROM contacts
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var idHex, ipStr string
		var port int

		if err := rows.Scan(&idHex, &ipStr, &port); err != nil {
			continue
		}

		id, err := NewNodeIDFromHex(idHex)
		if err != nil {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil || port < 0 || port > 0xFFFF {
			continue
		}

		c, err := NewContact(id, ip, uint16(port))
		if err != nil {
			continue
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// PruneContacts removes entries not seen within the threshold
func (s *Storage) PruneContacts(threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	result, err := s.db.Exec(`DELETE FROM contacts WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ContactCount returns the number of journaled contacts
func (s *Storage) ContactCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&count)
	return count, err
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
