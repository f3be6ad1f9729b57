package idempotency

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultTTL is how long a result stays replayable when no TTL is configured.
const DefaultTTL = 24 * time.Hour

var bucketResults = []byte("results")

// ErrEmptyKey is returned when a lookup or write carries no key.
var ErrEmptyKey = errors.New("idempotency: empty key")

// Record is the cached response of a committed call.
type Record struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
	StoredAt   time.Time       `json:"storedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// Store keeps the responses of committed signed calls in BoltDB so a client
// that retries after losing a response gets the original result back instead
// of a nonce conflict.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open creates or opens the store at path.
func Open(path string, ttl time.Duration, options *bolt.Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("idempotency: path must not be empty")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for key. Expired entries are deleted and
// reported as missing.
func (s *Store) Get(key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	var (
		record Record
		found  bool
	)
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = Record{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return record, found, nil
}

// Put stores the response for key until the TTL elapses.
func (s *Store) Put(key string, status int, body []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := s.now().UTC()
	payload, err := json.Marshal(Record{
		StatusCode: status,
		Body:       json.RawMessage(body),
		StoredAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(key), payload)
	})
}

// Prune deletes every expired entry and returns how many were removed.
func (s *Store) Prune() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
