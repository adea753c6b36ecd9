package watermark

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dedupBucket  = "seen"
	dedupOrder   = "seen_order" // records insertion order so the ring can trim the oldest entries
	ringCapacity = 10000
)

// Dedup is a bounded ring of recently-seen natural keys, backed by a
// bbolt file alongside the extractor's watermark JSON. It is used by
// domains whose upstream query can return overlapping records across
// cycles (spec's "processed_{resource}_ids" ring) so a replayed record
// already landed in a prior cycle is skipped rather than re-counted.
//
// Grounded on the teacher's db/bolt wrapper (Open/CreateBucket/PutJSON);
// this adds the bounded-ring trim behavior the teacher's key-value
// helper does not have.
type Dedup struct {
	db *bolt.DB
	mu sync.Mutex
}

// OpenDedup opens (creating if absent) the dedup ring for
// {extractorName} rooted at stateDir.
func OpenDedup(stateDir, extractorName string) (*Dedup, error) {
	path := filepath.Join(stateDir, extractorName+"_dedup.bbolt")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dedup ring: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(dedupBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(dedupOrder))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create dedup buckets: %w", err)
	}

	return &Dedup{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (d *Dedup) Close() error {
	return d.db.Close()
}

// Contains reports whether key has already been recorded.
func (d *Dedup) Contains(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dedupBucket))
		found = b.Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Record adds key to the ring, evicting the oldest entries once the
// ring exceeds ringCapacity entries.
func (d *Dedup) Record(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.Update(func(tx *bolt.Tx) error {
		seen := tx.Bucket([]byte(dedupBucket))
		order := tx.Bucket([]byte(dedupOrder))

		if seen.Get([]byte(key)) != nil {
			return nil
		}

		seq, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("advance dedup sequence: %w", err)
		}
		seqKey := sequenceKey(seq)

		if err := seen.Put([]byte(key), seqKey); err != nil {
			return err
		}
		if err := order.Put(seqKey, []byte(key)); err != nil {
			return err
		}

		return trimRing(seen, order, ringCapacity)
	})
}

// trimRing evicts the oldest entries until the ring holds at most
// capacity keys.
func trimRing(seen, order *bolt.Bucket, capacity int) error {
	count := order.Stats().KeyN
	if count <= capacity {
		return nil
	}

	c := order.Cursor()
	k, v := c.First()
	for excess := count - capacity; excess > 0 && k != nil; excess-- {
		if err := seen.Delete(v); err != nil {
			return err
		}
		if err := order.Delete(k); err != nil {
			return err
		}
		k, v = c.Next()
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}
