// Package store persists durable script variables in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chazu/npcscript/vm"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("npcscript.store")

const schema = `CREATE TABLE IF NOT EXISTS vars (
	scope INTEGER NOT NULL,
	owner TEXT NOT NULL,
	name  TEXT NOT NULL,
	idx   INTEGER NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (scope, owner, name, idx)
)`

// Store implements vm.Persistence over a SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

var _ vm.Persistence = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveVars writes a flush batch in one transaction. Nil values delete.
func (s *Store) SaveVars(tuples []vm.VarTuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare("INSERT OR REPLACE INTO vars (scope, owner, name, idx, value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer upsert.Close()
	del, err := tx.Prepare("DELETE FROM vars WHERE scope = ? AND owner = ? AND name = ? AND idx = ?")
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer del.Close()

	for _, t := range tuples {
		if t.Value.IsNil() {
			if _, err := del.Exec(int(t.Scope), t.Owner, t.Name, t.Index); err != nil {
				return fmt.Errorf("deleting %s %s[%d]: %w", t.Scope, t.Name, t.Index, err)
			}
			continue
		}
		data, err := EncodeValue(t.Value)
		if err != nil {
			return err
		}
		if _, err := upsert.Exec(int(t.Scope), t.Owner, t.Name, t.Index, data); err != nil {
			return fmt.Errorf("saving %s %s[%d]: %w", t.Scope, t.Name, t.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadVars returns every stored slot of one scope owner.
func (s *Store) LoadVars(scope vm.ScopeKind, owner string) ([]vm.VarTuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT name, idx, value FROM vars WHERE scope = ? AND owner = ? ORDER BY name, idx", int(scope), owner)
	if err != nil {
		return nil, fmt.Errorf("querying vars: %w", err)
	}
	defer rows.Close()

	var out []vm.VarTuple
	for rows.Next() {
		t := vm.VarTuple{Scope: scope, Owner: owner}
		var data []byte
		if err := rows.Scan(&t.Name, &t.Index, &data); err != nil {
			return nil, fmt.Errorf("scanning var: %w", err)
		}
		if t.Value, err = DecodeValue(data); err != nil {
			log.Warningf("skipping %s %s[%d] of %q: %s", scope, t.Name, t.Index, owner, err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of stored slots.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM vars").Scan(&n)
	return n, err
}

// ExportSnapshot returns every stored slot as canonical CBOR.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT scope, owner, name, idx, value FROM vars ORDER BY scope, owner, name, idx")
	if err != nil {
		return nil, fmt.Errorf("querying vars: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Version: snapshotVersion}
	for rows.Next() {
		var v SnapshotVar
		if err := rows.Scan(&v.Scope, &v.Owner, &v.Name, &v.Index, &v.Value); err != nil {
			return nil, fmt.Errorf("scanning var: %w", err)
		}
		snap.Vars = append(snap.Vars, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return MarshalSnapshot(snap)
}

// ImportSnapshot replaces the stored variables with a snapshot's.
func (s *Store) ImportSnapshot(data []byte) error {
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM vars"); err != nil {
		return fmt.Errorf("clearing vars: %w", err)
	}
	for _, v := range snap.Vars {
		if _, err := DecodeValue(v.Value); err != nil {
			return fmt.Errorf("%s[%d] of %q: %w", v.Name, v.Index, v.Owner, err)
		}
		if _, err := tx.Exec("INSERT INTO vars (scope, owner, name, idx, value) VALUES (?, ?, ?, ?, ?)",
			v.Scope, v.Owner, v.Name, v.Index, v.Value); err != nil {
			return fmt.Errorf("importing %s: %w", v.Name, err)
		}
	}
	return tx.Commit()
}
