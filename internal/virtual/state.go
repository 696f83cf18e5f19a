package virtual

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"homescript/internal/value"
)

var (
	bucketValues = []byte("values")
	bucketMeta   = []byte("meta")
	keyWritten   = []byte("last_written")
)

// ErrNotFound is returned when no value was persisted for a characteristic.
var ErrNotFound = errors.New("not found")

// BoltState persists simulated characteristic values so virtual devices keep
// their state across restarts, the way real hardware would.
type BoltState struct {
	db *bolt.DB
}

// NewBoltState opens or creates a BoltDB database.
func NewBoltState(path string) (*BoltState, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketValues, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltState{db: db}, nil
}

// SaveValue stores the value of one characteristic.
func (s *BoltState) SaveValue(characteristicID string, v value.Value) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketValues)
		}
		if err := b.Put([]byte(characteristicID), data); err != nil {
			return err
		}
		stamp, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyWritten, stamp)
	})
}

// LoadValue returns the persisted value, or ErrNotFound.
func (s *BoltState) LoadValue(characteristicID string) (value.Value, error) {
	var v value.Value
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketValues)
		}
		data := b.Get([]byte(characteristicID))
		if data == nil {
			return fmt.Errorf("characteristic %s: %w", characteristicID, ErrNotFound)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return value.Null(), err
	}
	return v, nil
}

// Values returns every persisted value keyed by characteristic ID.
func (s *BoltState) Values() (map[string]value.Value, error) {
	out := make(map[string]value.Value)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, data []byte) error {
			var v value.Value
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out[string(k)] = v
			return nil
		})
	})
	return out, err
}

// LastWritten returns the time of the most recent SaveValue.
func (s *BoltState) LastWritten() (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyWritten)
		if data == nil {
			return fmt.Errorf("last written: %w", ErrNotFound)
		}
		return t.UnmarshalText(data)
	})
	return t, err
}

func (s *BoltState) Close() error {
	return s.db.Close()
}
