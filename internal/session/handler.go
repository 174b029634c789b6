package session

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabsync/internal/auth"
	"collabsync/internal/store"
)

// Handler upgrades document sync requests to websockets and runs the
// session state machine. Route pattern: GET /documents/{docID}/sync.
type Handler struct {
	deps     *Deps
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	draining bool
	wg       sync.WaitGroup
}

// NewHandler creates a Handler over the given dependencies.
func NewHandler(deps *Deps) *Handler {
	if deps.MaxPayload <= 0 {
		deps.MaxPayload = DefaultMaxPayload
	}
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the fronting gateway.
				return true
			},
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP authenticates the handshake and, on success, joins the session
// and blocks in its receive loop. Failures before the join close the socket
// with a policy-reserved code.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docID")
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	sock := newSocket(conn, uuid.NewString())

	user, role, ok := h.dial(r.Context(), sock, docID, token)
	if !ok {
		return
	}

	sess := newSession(sock, docID, *user, role, h.deps)
	if !h.track(sess) {
		sess.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(sess)

	if err := sess.join(); err != nil {
		h.deps.Logger.Error("Failed to join document", zap.Error(err))
		sess.close(websocket.CloseInternalServerErr, "failed to join document")
		return
	}
	sess.run()
}

// dial verifies the token, the user, and document access. On failure it
// closes the socket and returns ok=false.
func (h *Handler) dial(ctx context.Context, sock *wsSocket, docID, token string) (*auth.UserProfile, store.Role, bool) {
	logger := h.deps.Logger.With(zap.String("document_id", docID))

	if token == "" {
		sock.close(CloseTokenMissing, "authentication token missing")
		return nil, store.RoleNone, false
	}

	userID, err := h.deps.Auth.VerifyToken(ctx, token)
	if err != nil {
		sock.close(CloseTokenInvalid, "invalid token")
		return nil, store.RoleNone, false
	}

	user, err := h.deps.Auth.LookupUser(ctx, userID)
	if err != nil || !user.Active {
		sock.close(CloseUserInactive, "user unauthorized or inactive")
		return nil, store.RoleNone, false
	}

	role, err := h.deps.Store.CheckAccess(ctx, userID, docID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidDocumentID):
		sock.close(CloseDocNotFound, "document not found")
		return nil, store.RoleNone, false
	case err != nil:
		logger.Error("Failed to check document access", zap.Error(err))
		sock.close(websocket.CloseInternalServerErr, "internal error")
		return nil, store.RoleNone, false
	case role == store.RoleNone:
		sock.close(CloseAccessDenied, "document access denied")
		return nil, store.RoleNone, false
	}

	return user, role, true
}

// track registers a running session, refusing new sessions during drain.
func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown closes every session with a going-away status and waits for
// their cleanup, bounded by the context.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
