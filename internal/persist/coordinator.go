// Package persist serializes concurrent CRDT merges per document and folds
// accepted updates into the stored state.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"collabsync/internal/crdt"
	"collabsync/internal/store"
)

// docLock is the per-document mutual exclusion entry. refs counts folds
// holding or waiting on the lock so idle entries can be reclaimed.
type docLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator folds updates into stored document state, one merge at a time
// per document on this replica. Cross-replica concurrency is tolerated
// because updates commute.
type Coordinator struct {
	store  store.MetadataStore
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*docLock
}

// New creates a Coordinator over the given metadata store.
func New(metadata store.MetadataStore, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  metadata,
		logger: logger,
		locks:  make(map[string]*docLock),
	}
}

// Fold reads the current serialized state, applies the update through a
// fresh engine, and writes back state and plaintext as one replacement
// write. A document that vanished mid-session is treated as empty; the
// write then reports the loss.
func (c *Coordinator) Fold(ctx context.Context, docID string, update []byte) error {
	lock := c.acquire(docID)
	defer c.release(docID)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	var state []byte
	doc, err := c.store.LoadDocument(ctx, docID)
	switch {
	case err == nil:
		state = doc.State
	case errors.Is(err, store.ErrNotFound):
		state = nil
	default:
		return fmt.Errorf("failed to read document state: %w", err)
	}

	engine, err := crdt.New(state)
	if err != nil {
		return fmt.Errorf("failed to initialize engine for %s: %w", docID, err)
	}
	if err := engine.ApplyUpdate(update); err != nil {
		return fmt.Errorf("failed to apply update to %s: %w", docID, err)
	}

	if err := c.store.PersistState(ctx, docID, engine.EncodeState(), engine.Plaintext()); err != nil {
		return fmt.Errorf("failed to persist state for %s: %w", docID, err)
	}

	c.logger.Debug("Folded update into document",
		zap.String("document_id", docID),
		zap.Int("update_bytes", len(update)))
	return nil
}

// acquire returns the lock entry for docID, allocating it lazily.
func (c *Coordinator) acquire(docID string) *docLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[docID]
	if !ok {
		lock = &docLock{}
		c.locks[docID] = lock
	}
	lock.refs++
	return lock
}

// release drops one reference, reclaiming the entry when no fold holds or
// waits on it.
func (c *Coordinator) release(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[docID]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(c.locks, docID)
	}
}

// ActiveLocks returns the number of live lock entries. Test hook for the
// reclamation behavior.
func (c *Coordinator) ActiveLocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
