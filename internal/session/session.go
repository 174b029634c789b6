// Package session runs the per-socket state machine: authenticate, join,
// snapshot, multiplex inbound envelopes, and clean up exactly once on
// disconnect.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabsync/internal/auth"
	"collabsync/internal/bridge"
	"collabsync/internal/crdt"
	"collabsync/internal/persist"
	"collabsync/internal/registry"
	"collabsync/internal/store"
	"collabsync/internal/wire"
)

// Policy-reserved close codes used before a session joins.
const (
	CloseTokenMissing = 4001
	CloseTokenInvalid = 4002
	CloseUserInactive = 4003
	CloseDocNotFound  = 4004
	CloseAccessDenied = 4005
)

// DefaultMaxPayload is the per-envelope size limit.
const DefaultMaxPayload = 1 << 20

// Session is one joined client connection on one document.
type Session struct {
	docID   string
	user    auth.UserProfile
	role    store.Role
	sock    *wsSocket
	deps    *Deps
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup sync.Once

	// subscribed records whether this session holds a bridge refcount.
	subscribed bool

	logger *zap.Logger
}

func newSession(sock *wsSocket, docID string, user auth.UserProfile, role store.Role, deps *Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		docID:  docID,
		user:   user,
		role:   role,
		sock:   sock,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		logger: deps.Logger.With(
			zap.String("document_id", docID),
			zap.String("user_id", user.UserID),
			zap.String("socket_id", sock.ID())),
	}
}

// join attaches the session to the registry and fabric, then loads the
// state and sends the initial snapshot. Attach happens before the load so
// an update folded while the load is in flight reaches the client as a
// broadcast; if the snapshot already contains it, re-applying is a no-op.
func (s *Session) join() error {
	s.deps.Registry.Attach(s.docID, s.sock)

	if err := s.deps.Bridge.Subscribe(s.ctx, s.docID); err != nil {
		// Degrade to local-only fan-out rather than rejecting the session.
		s.logger.Warn("Failed to subscribe to document channel, session is local-only",
			zap.Error(err))
	} else {
		s.subscribed = true
	}

	state, err := s.loadState()
	if err != nil {
		return err
	}
	snapshot, err := wire.Encode(wire.NewSyncState(state))
	if err != nil {
		return err
	}
	return s.sock.Send(snapshot)
}

// loadState reads the stored snapshot state. A document with no prior state
// still gets a snapshot so client logic need not branch.
func (s *Session) loadState() ([]byte, error) {
	doc, err := s.deps.Store.LoadDocument(s.ctx, s.docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	if len(doc.State) > 0 {
		return doc.State, nil
	}
	engine, err := crdt.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build empty snapshot: %w", err)
	}
	return engine.EncodeState(), nil
}

// run is the receive loop. Messages from one client are processed in order;
// the loop ends on disconnect or read error.
func (s *Session) run() {
	defer s.close(websocket.CloseNormalClosure, "")

	// The frame limit sits above the envelope limit so an oversized
	// envelope trips the decoder's size check and is dropped; only frames
	// at twice the limit tear the connection down.
	s.sock.conn.SetReadLimit(2 * s.deps.MaxPayload)
	for {
		_, data, err := s.sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Socket read error", zap.Error(err))
			}
			return
		}

		env, err := wire.Decode(data, s.deps.MaxPayload)
		if err != nil {
			// Protocol errors drop the message, never the session.
			s.logger.Warn("Dropping malformed envelope", zap.Error(err))
			continue
		}
		s.handle(env, data)
	}
}

// handle dispatches one decoded envelope.
func (s *Session) handle(env *wire.Envelope, raw []byte) {
	switch env.Type {
	case wire.TypeUpdate:
		s.handleUpdate(env, raw)
	case wire.TypeAwareness:
		// Ephemeral; local fan-out only, never persisted, never published.
		s.deps.Registry.BroadcastExcept(s.docID, raw, s.sock)
	case wire.TypePresence:
		s.handlePresence(raw)
	default:
		s.logger.Debug("Ignoring envelope of unknown type",
			zap.String("type", env.Type))
	}
}

// handleUpdate folds a client update into the stored state and, only after
// the fold succeeded, fans it out locally and publishes it to the fabric.
func (s *Session) handleUpdate(env *wire.Envelope, raw []byte) {
	if !s.role.CanEdit() {
		s.logger.Warn("Dropping update from session without write access",
			zap.String("role", s.role.String()))
		return
	}

	update, err := env.UpdateBytes()
	if err != nil {
		s.logger.Warn("Dropping update with invalid payload", zap.Error(err))
		return
	}

	if err := s.deps.Coordinator.Fold(s.ctx, s.docID, update); err != nil {
		s.logger.Error("Failed to persist update", zap.Error(err))
		s.sendError(wire.ErrorReasonPersistFailed)
		return
	}

	attributed, err := wire.AttributeUpdate(raw, s.user.UserID, s.user.Username,
		s.deps.Bridge.Origin(), time.Now())
	if err != nil {
		s.logger.Error("Failed to attribute update", zap.Error(err))
		return
	}

	s.deps.Registry.BroadcastExcept(s.docID, attributed, s.sock)
	if err := s.deps.Bridge.Publish(s.ctx, s.docID, attributed); err != nil {
		// Transient fabric failure: local peers already have the update and
		// the state is durable. The client may retry per CRDT semantics.
		s.logger.Warn("Failed to publish update to fabric", zap.Error(err))
	}
}

// handlePresence enriches a presence envelope with the identity captured at
// dial time and publishes it; local delivery happens via the fabric echo.
func (s *Session) handlePresence(raw []byte) {
	enriched, err := wire.EnrichPresence(raw, s.user.UserID, s.user.Username,
		s.user.AvatarRef, s.user.ColorTag, s.deps.Bridge.Origin())
	if err != nil {
		s.logger.Warn("Dropping malformed presence envelope", zap.Error(err))
		return
	}
	if err := s.deps.Bridge.Publish(s.ctx, s.docID, enriched); err != nil {
		s.logger.Warn("Failed to publish presence to fabric", zap.Error(err))
		// Degrade to local-only so peers on this replica still see it.
		s.deps.Registry.BroadcastExcept(s.docID, enriched, s.sock)
	}
}

// sendError notifies this client of a server-side failure.
func (s *Session) sendError(reason string) {
	data, err := wire.Encode(wire.NewError(reason))
	if err != nil {
		return
	}
	if err := s.sock.Send(data); err != nil {
		s.logger.Warn("Failed to send error envelope", zap.Error(err))
	}
}

// close runs the cleanup path exactly once: detach, drop the fabric
// refcount, close the socket.
func (s *Session) close(code int, reason string) {
	s.cleanup.Do(func() {
		s.cancel()
		s.deps.Registry.Detach(s.docID, s.sock)
		if s.subscribed {
			s.deps.Bridge.Unsubscribe(s.docID)
		}
		s.sock.close(code, reason)
		s.logger.Info("Session closed")
	})
}

// Deps bundles the process-scoped services a session uses. Handles are
// passed explicitly; there are no ambient singletons.
type Deps struct {
	Registry    *registry.Registry
	Bridge      *bridge.Bridge
	Coordinator *persist.Coordinator
	Store       store.MetadataStore
	Auth        auth.Service
	Logger      *zap.Logger
	// MaxPayload is the per-envelope size limit in bytes.
	MaxPayload int64
}
