package storage

import (
	"errors"
	"fmt"

	"github.com/cuemby/fieldsync/pkg/types"
)

var (
	// ErrStorageUnavailable marks failures of durable storage itself
	// (quota, disk, closed database). Match with errors.Is.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a key has no entry
	ErrNotFound = errors.New("not found")

	// ErrNoGeneration is returned by cache writes before any generation is active
	ErrNoGeneration = errors.New("no active cache generation")
)

// UnavailableError wraps the underlying storage failure of an operation
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorageUnavailable) hold for every UnavailableError
func (e *UnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Store defines the interface for the origin-wide durable store.
// Queued requests are shared by every cache generation; cache entries
// belong to exactly one generation.
type Store interface {
	// Write queue
	AppendRequest(req *types.QueuedRequest) (uint64, error)
	ListRequests() ([]*types.QueuedRequest, error)
	GetRequest(id uint64) (*types.QueuedRequest, error)
	DeleteRequest(id uint64) error
	DeleteRequests(ids []uint64) error
	CountRequests() (int, error)

	// Cache (active generation)
	PutCacheEntry(entry *types.CacheEntry) error
	GetCacheEntry(key string) (*types.CacheEntry, error)
	CountCacheEntries() (int, error)

	// Generations
	ActiveGeneration() (string, error)
	ActivateGeneration(generation string) ([]string, error)
	Generations() ([]string, error)

	// Utility
	Close() error
}
