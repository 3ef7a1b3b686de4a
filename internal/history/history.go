// Package history persists an audit log of every resolved command in a
// bolt database, newest retrievable first.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketCommands = []byte("commands")

// Entry is one command's audit record. Outcome is "acked", "timeout", or
// "nacked: <reason>" style text.
type Entry struct {
	Time    time.Time `json:"time"`
	Node    string    `json:"node"`
	Verb    string    `json:"verb"`
	Args    []string  `json:"args,omitempty"`
	Corr    string    `json:"corr"`
	Outcome string    `json:"outcome"`
}

// Store is an append-only command log. Safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o666, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommands)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Append records one resolved command. A zero Time is stamped now.
func (s *Store) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		// Zero-padded sequence keys keep bolt's byte order chronological.
		return b.Put([]byte(fmt.Sprintf("%020d", seq)), buf)
	})
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode history entry %s: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketCommands).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
