package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var journalBucket = []byte("journal")

const maxJournalEntries = 1000

type Outcome string

const (
	OutcomeReplied        Outcome = "replied"
	OutcomeExhausted      Outcome = "exhausted"
	OutcomeAborted        Outcome = "aborted"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
)

// Entry records what happened to one relayed message. It deliberately holds
// no message text: conversation state lives on Goftino only.
type Entry struct {
	ID           string        `json:"id"`
	ChatID       string        `json:"chat_id"`
	Outcome      Outcome       `json:"outcome"`
	HistoryTurns int           `json:"history_turns"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}

type Journal interface {
	Record(e Entry) error
	Recent(limit int) ([]Entry, error)
	Close() error
}

type BoltStore struct {
	db         *bolt.DB
	maxEntries int
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal bucket: %w", err)
	}

	return &BoltStore{db: db, maxEntries: maxJournalEntries}, nil
}

// Record appends e, assigning an ID and timestamp when missing. Keys are
// UUIDv7 so bucket order is insertion order; the oldest entries are pruned
// once the bucket holds more than maxEntries.
func (s *BoltStore) Record(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating entry id: %w", err)
		}
		e.ID = id.String()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		b := tx.Bucket(journalBucket)
		if err := b.Put([]byte(e.ID), data); err != nil {
			return err
		}

		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		for ; n > s.maxEntries; n-- {
			if k, _ := c.First(); k == nil {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit entries, newest first.
func (s *BoltStore) Recent(limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %s: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
