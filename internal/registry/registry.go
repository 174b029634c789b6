// Package registry tracks the process-local sockets attached to each
// document and fans envelopes out to them.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Socket is the non-owning view the registry holds of a client connection.
// The owning session closes the socket; the registry only sends and, on a
// failed send, detaches.
type Socket interface {
	// Send writes one serialized envelope to the client.
	Send(data []byte) error
	// ID returns a stable identifier for logging.
	ID() string
}

// Registry maps document IDs to the set of locally attached sockets.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[Socket]struct{}
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[Socket]struct{}),
		logger: logger,
	}
}

// Attach registers an accepted socket under docID, creating the entry on
// first use.
func (r *Registry) Attach(docID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[docID]
	if !ok {
		set = make(map[Socket]struct{})
		r.conns[docID] = set
	}
	set[s] = struct{}{}
}

// Detach removes a socket, dropping the document entry when it empties.
// Idempotent.
func (r *Registry) Detach(docID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[docID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.conns, docID)
	}
}

// Count returns the number of sockets currently attached for docID.
func (r *Registry) Count(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[docID])
}

// Broadcast sends one serialized envelope to every socket of docID.
func (r *Registry) Broadcast(docID string, data []byte) {
	r.BroadcastExcept(docID, data, nil)
}

// BroadcastExcept sends to every socket of docID except the excluded one.
// Iteration runs over a snapshot so a detach triggered by a failed send
// cannot invalidate the traversal, and a failure on one socket never aborts
// delivery to its peers.
func (r *Registry) BroadcastExcept(docID string, data []byte, except Socket) {
	r.mu.RLock()
	set := r.conns[docID]
	snapshot := make([]Socket, 0, len(set))
	for s := range set {
		if s != except {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if err := s.Send(data); err != nil {
			r.logger.Warn("Failed to send to socket, detaching",
				zap.String("document_id", docID),
				zap.String("socket_id", s.ID()),
				zap.Error(err))
			r.Detach(docID, s)
		}
	}
}

// Documents returns a snapshot of the document IDs with attached sockets.
func (r *Registry) Documents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	docs := make([]string, 0, len(r.conns))
	for id := range r.conns {
		docs = append(docs, id)
	}
	return docs
}
