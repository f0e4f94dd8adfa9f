/*
Package storage provides the BoltDB-backed durable store shared by the write
queue and the response cache.

The store is an explicitly constructed object with an open/close lifecycle:
NewBoltStore opens <dataDir>/fieldsync.db and Close releases the file lock.
Nothing in this package is a process-wide singleton, so tests open isolated
instances under t.TempDir().

# Architecture

	┌──────────────────── fieldsync.db ─────────────────────────┐
	│                                                            │
	│  queue              key: big-endian NextSequence()         │
	│    1 → {"url":..., "method":"PATCH", "body":...}           │
	│    2 → {...}                  (enqueue order = key order)  │
	│                                                            │
	│  meta                                                      │
	│    active_generation → "2025.10.3"                         │
	│                                                            │
	│  cache:2025.10.3    key: "GET https://host/path?query"     │
	│    → {"status":200, "payload":..., "stored_at":...}        │
	│                                                            │
	│  cache:2025.10.2    ← deleted by ActivateGeneration        │
	└────────────────────────────────────────────────────────────┘

Queued requests are not namespaced by generation. Activating a new version
drops every other cache:* bucket in the same transaction that records the new
active generation, and leaves the queue bucket untouched so unsynced work
survives an upgrade.

# Transactions

Every append is a single db.Update transaction. bbolt serializes writers, so
concurrent AppendRequest calls from the autosave timer, the interceptor and
user saves get distinct, strictly increasing IDs in commit order.

# Errors

Write failures are returned as *UnavailableError, which matches
ErrStorageUnavailable through errors.Is. Lookup misses wrap ErrNotFound.
Cache writes before any generation is active return ErrNoGeneration.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.ActivateGeneration(version); err != nil {
		return err
	}

	id, err := store.AppendRequest(req)
	if errors.Is(err, storage.ErrStorageUnavailable) {
		// warn the user that offline durability is compromised
	}
*/
package storage
