package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/fieldsync/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketQueue = []byte("queue")
	bucketMeta  = []byte("meta")

	keyActiveGeneration = []byte("active_generation")
)

const cacheBucketPrefix = "cache:"

// DBFileName is the name of the database file inside the data directory
const DBFileName = "fieldsync.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFileName)

	// Another process holding the file lock must not hang us forever
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketQueue, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Queue operations

// AppendRequest stores req under the next bucket sequence and sets req.ID.
// Sequence keys are big-endian so cursor order equals enqueue order.
func (s *BoltStore) AppendRequest(req *types.QueuedRequest) (uint64, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		req.ID = seq
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		req.ID = 0
		return 0, &UnavailableError{Op: "append request", Err: err}
	}
	return req.ID, nil
}

func (s *BoltStore) ListRequests() ([]*types.QueuedRequest, error) {
	var reqs []*types.QueuedRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		return b.ForEach(func(k, v []byte) error {
			var req types.QueuedRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("corrupt queue entry %d: %w", btoi(k), err)
			}
			reqs = append(reqs, &req)
			return nil
		})
	})
	if err != nil {
		return nil, wrapRead("list requests", err)
	}
	return reqs, nil
}

func (s *BoltStore) GetRequest(id uint64) (*types.QueuedRequest, error) {
	var req types.QueuedRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("queued request %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, wrapRead("get request", err)
	}
	return &req, nil
}

// DeleteRequest is idempotent
func (s *BoltStore) DeleteRequest(id uint64) error {
	return s.DeleteRequests([]uint64{id})
}

func (s *BoltStore) DeleteRequests(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		for _, id := range ids {
			if err := b.Delete(itob(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &UnavailableError{Op: "delete requests", Err: err}
	}
	return nil
}

func (s *BoltStore) CountRequests() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, wrapRead("count requests", err)
	}
	return n, nil
}

// Cache operations

// PutCacheEntry overwrites any previous entry with the same key
func (s *BoltStore) PutCacheEntry(entry *types.CacheEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := activeCacheBucket(tx)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrNoGeneration
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.Key), data)
	})
	if errors.Is(err, ErrNoGeneration) {
		return err
	}
	if err != nil {
		return &UnavailableError{Op: "put cache entry", Err: err}
	}
	return nil
}

func (s *BoltStore) GetCacheEntry(key string) (*types.CacheEntry, error) {
	var entry types.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := activeCacheBucket(tx)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("cache entry %q: %w", key, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("cache entry %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, wrapRead("get cache entry", err)
	}
	return &entry, nil
}

func (s *BoltStore) CountCacheEntries() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := activeCacheBucket(tx)
		if err != nil || b == nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, wrapRead("count cache entries", err)
	}
	return n, nil
}

// Generation operations

func (s *BoltStore) ActiveGeneration() (string, error) {
	var gen string
	err := s.db.View(func(tx *bolt.Tx) error {
		gen = string(tx.Bucket(bucketMeta).Get(keyActiveGeneration))
		return nil
	})
	if err != nil {
		return "", wrapRead("active generation", err)
	}
	return gen, nil
}

// ActivateGeneration makes generation the active cache namespace and drops
// every other cache generation. The queue bucket is never touched.
// It returns the purged generation names.
func (s *BoltStore) ActivateGeneration(generation string) ([]string, error) {
	if generation == "" {
		return nil, fmt.Errorf("generation must not be empty")
	}
	var purged []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		target := cacheBucketPrefix + generation
		if _, err := tx.CreateBucketIfNotExists([]byte(target)); err != nil {
			return err
		}

		var stale [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			n := string(name)
			if strings.HasPrefix(n, cacheBucketPrefix) && n != target {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to purge %s: %w", name, err)
			}
			purged = append(purged, strings.TrimPrefix(string(name), cacheBucketPrefix))
		}

		return tx.Bucket(bucketMeta).Put(keyActiveGeneration, []byte(generation))
	})
	if err != nil {
		return nil, &UnavailableError{Op: "activate generation", Err: err}
	}
	return purged, nil
}

// Generations lists every cache generation present in the file
func (s *BoltStore) Generations() ([]string, error) {
	var gens []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if n := string(name); strings.HasPrefix(n, cacheBucketPrefix) {
				gens = append(gens, strings.TrimPrefix(n, cacheBucketPrefix))
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapRead("list generations", err)
	}
	return gens, nil
}

func activeCacheBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	gen := tx.Bucket(bucketMeta).Get(keyActiveGeneration)
	if len(gen) == 0 {
		return nil, nil
	}
	return tx.Bucket([]byte(cacheBucketPrefix + string(gen))), nil
}

// wrapRead leaves lookup misses alone and marks everything else as a storage failure
func wrapRead(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return &UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
