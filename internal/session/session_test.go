package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabsync/internal/auth"
	"collabsync/internal/bridge"
	"collabsync/internal/crdt"
	"collabsync/internal/persist"
	"collabsync/internal/registry"
	"collabsync/internal/store"
	"collabsync/internal/wire"
)

const testSecret = "test-signing-secret"

// replica is one sync engine instance wired to shared fixtures. Tests spin
// up two replicas on one broker to exercise cross-instance fan-out.
type replica struct {
	handler *Handler
	bridge  *bridge.Bridge
	server  *httptest.Server
}

func newReplica(t *testing.T, broker *bridge.MemoryBroker, st store.MetadataStore, dir auth.UserDirectory, linger time.Duration) *replica {
	t.Helper()
	return newReplicaWithPayload(t, broker, st, dir, linger, DefaultMaxPayload)
}

func newReplicaWithPayload(t *testing.T, broker *bridge.MemoryBroker, st store.MetadataStore, dir auth.UserDirectory, linger time.Duration, maxPayload int64) *replica {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(logger)

	opts := bridge.NewOptions()
	opts.UnsubscribeLinger = linger
	br := bridge.New(broker.Connect(), reg, logger, opts)
	br.Start()
	t.Cleanup(func() { _ = br.Stop() })

	signer, err := auth.NewTokenSigner([]byte(testSecret))
	require.NoError(t, err)

	h := NewHandler(&Deps{
		Registry:    reg,
		Bridge:      br,
		Coordinator: persist.New(st, logger),
		Store:       st,
		Auth:        auth.NewService(signer, dir),
		Logger:      logger,
		MaxPayload:  maxPayload,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /documents/{docID}/sync", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &replica{handler: h, bridge: br, server: srv}
}

type fixtures struct {
	broker *bridge.MemoryBroker
	store  *store.MemoryStore
	dir    *auth.MemoryDirectory
	signer *auth.TokenSigner
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	signer, err := auth.NewTokenSigner([]byte(testSecret))
	require.NoError(t, err)
	return &fixtures{
		broker: bridge.NewMemoryBroker(),
		store:  store.NewMemoryStore(),
		dir:    auth.NewMemoryDirectory(),
		signer: signer,
	}
}

func (f *fixtures) addUser(t *testing.T, userID, username string, active bool) string {
	t.Helper()
	f.dir.AddUser(auth.UserProfile{
		UserID:    userID,
		Username:  username,
		AvatarRef: "https://avatars.test/" + userID,
		ColorTag:  "#336699",
		Active:    active,
	})
	token, err := f.signer.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixtures) seedDoc(t *testing.T, text, ownerID string) string {
	t.Helper()
	engine, err := crdt.FromText(text)
	require.NoError(t, err)
	doc, err := f.store.CreateDocument(context.Background(), "doc", ownerID,
		engine.EncodeState(), engine.Plaintext())
	require.NoError(t, err)
	return doc.ID
}

func dial(t *testing.T, r *replica, docID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/documents/" + docID + "/sync"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data, 0)
	require.NoError(t, err)
	return env
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := conn.ReadMessage()
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}

func sendUpdate(t *testing.T, conn *websocket.Conn, update []byte) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"type":   wire.TypeUpdate,
		"update": base64.StdEncoding.EncodeToString(update),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// engineFromSnapshot reads the first envelope off a fresh connection and
// builds a local engine from its state.
func engineFromSnapshot(t *testing.T, conn *websocket.Conn) *crdt.Engine {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeSyncState, env.Type)
	require.NotNil(t, env.Version)
	assert.Equal(t, 0, *env.Version)
	state, err := env.StateBytes()
	require.NoError(t, err)
	engine, err := crdt.New(state)
	require.NoError(t, err)
	return engine
}

func TestJoinDeliversSnapshot(t *testing.T) {
	f := newFixtures(t)
	token := f.addUser(t, "alice", "Alice", true)
	docID := f.seedDoc(t, "Hello", "alice")
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	conn := dial(t, r, docID, token)
	engine := engineFromSnapshot(t, conn)
	assert.Equal(t, "Hello", engine.Plaintext())
}

func TestJoinEmptyDocumentDeliversEmptySnapshot(t *testing.T) {
	f := newFixtures(t)
	token := f.addUser(t, "alice", "Alice", true)
	doc, err := f.store.CreateDocument(context.Background(), "blank", "alice", nil, "")
	require.NoError(t, err)
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	conn := dial(t, r, doc.ID, token)
	engine := engineFromSnapshot(t, conn)
	assert.Equal(t, "", engine.Plaintext())
}

func TestHandshakeRejections(t *testing.T) {
	f := newFixtures(t)
	activeToken := f.addUser(t, "alice", "Alice", true)
	inactiveToken := f.addUser(t, "bob", "Bob", false)
	strangerToken := f.addUser(t, "carol", "Carol", true)
	docID := f.seedDoc(t, "Hello", "alice")
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	cases := []struct {
		name  string
		docID string
		token string
		code  int
	}{
		{"missing token", docID, "", CloseTokenMissing},
		{"garbage token", docID, "not-a-jwt", CloseTokenInvalid},
		{"inactive user", docID, inactiveToken, CloseUserInactive},
		{"unknown document", "ffffffffffffffffffffffff", activeToken, CloseDocNotFound},
		{"malformed document id", "not-an-object-id", activeToken, CloseDocNotFound},
		{"no access", docID, strangerToken, CloseAccessDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, r, tc.docID, tc.token)
			expectClose(t, conn, tc.code)
		})
	}
}

func TestUpdateFanOutAndPersistence(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	editorToken := f.addUser(t, "bob", "Bob", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "bob", "editor"))
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	alice := dial(t, r, docID, ownerToken)
	aliceEngine := engineFromSnapshot(t, alice)
	bob := dial(t, r, docID, editorToken)
	bobEngine := engineFromSnapshot(t, bob)

	update, err := aliceEngine.InsertText(5, " World")
	require.NoError(t, err)
	sendUpdate(t, alice, update)

	env := readEnvelope(t, bob)
	require.Equal(t, wire.TypeUpdate, env.Type)
	assert.Equal(t, "alice", env.UserID)
	assert.Equal(t, "Alice", env.Username)
	assert.NotEmpty(t, env.TS)

	received, err := env.UpdateBytes()
	require.NoError(t, err)
	require.NoError(t, bobEngine.ApplyUpdate(received))
	assert.Equal(t, "Hello World", bobEngine.Plaintext())

	// Durable before fan-out, so the stored state already holds the merge.
	doc, err := f.store.LoadDocument(context.Background(), docID)
	require.NoError(t, err)
	stored, err := crdt.New(doc.State)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", stored.Plaintext())
	assert.Equal(t, "Hello World", doc.Content)

	// The sender never sees its own update back.
	expectSilence(t, alice, 150*time.Millisecond)
}

func TestUpdateFansOutAcrossReplicas(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	editorToken := f.addUser(t, "bob", "Bob", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "bob", "editor"))

	r1 := newReplica(t, f.broker, f.store, f.dir, 0)
	r2 := newReplica(t, f.broker, f.store, f.dir, 0)

	alice := dial(t, r1, docID, ownerToken)
	aliceEngine := engineFromSnapshot(t, alice)
	bob := dial(t, r2, docID, editorToken)
	bobEngine := engineFromSnapshot(t, bob)

	update, err := aliceEngine.InsertText(0, ">> ")
	require.NoError(t, err)
	sendUpdate(t, alice, update)

	env := readEnvelope(t, bob)
	require.Equal(t, wire.TypeUpdate, env.Type)
	assert.Equal(t, "alice", env.UserID)

	received, err := env.UpdateBytes()
	require.NoError(t, err)
	require.NoError(t, bobEngine.ApplyUpdate(received))
	assert.Equal(t, ">> Hello", bobEngine.Plaintext())
}

func TestAwarenessStaysLocalAndUnpersisted(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	editorToken := f.addUser(t, "bob", "Bob", true)
	viewerToken := f.addUser(t, "carol", "Carol", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "bob", "editor"))
	require.NoError(t, f.store.AddCollaborator(docID, "carol", "viewer"))

	r1 := newReplica(t, f.broker, f.store, f.dir, 0)
	r2 := newReplica(t, f.broker, f.store, f.dir, 0)

	alice := dial(t, r1, docID, ownerToken)
	engineFromSnapshot(t, alice)
	bob := dial(t, r1, docID, editorToken)
	engineFromSnapshot(t, bob)
	carol := dial(t, r2, docID, viewerToken)
	engineFromSnapshot(t, carol)

	payload := []byte(`{"type":"awareness","update":{"cursor":7}}`)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, payload))

	env := readEnvelope(t, bob)
	assert.Equal(t, wire.TypeAwareness, env.Type)
	assert.JSONEq(t, `{"cursor":7}`, string(env.Update))

	// Ephemeral state never crosses the fabric and never reaches storage.
	expectSilence(t, carol, 150*time.Millisecond)
	doc, err := f.store.LoadDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", doc.Content)
}

func TestPresenceEnrichedAndDeliveredEverywhere(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	viewerToken := f.addUser(t, "carol", "Carol", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "carol", "viewer"))

	r1 := newReplica(t, f.broker, f.store, f.dir, 0)
	r2 := newReplica(t, f.broker, f.store, f.dir, 0)

	alice := dial(t, r1, docID, ownerToken)
	engineFromSnapshot(t, alice)
	carol := dial(t, r2, docID, viewerToken)
	engineFromSnapshot(t, carol)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"presence","status":"typing"}`)))

	env := readEnvelope(t, carol)
	require.Equal(t, wire.TypePresence, env.Type)
	assert.Equal(t, "alice", env.UserID)
	assert.Equal(t, "Alice", env.Username)
	assert.Equal(t, "https://avatars.test/alice", env.AvatarRef)
	assert.Equal(t, "#336699", env.ColorTag)
}

func TestViewerUpdatesDroppedSessionSurvives(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	viewerToken := f.addUser(t, "carol", "Carol", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "carol", "viewer"))
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	alice := dial(t, r, docID, ownerToken)
	aliceEngine := engineFromSnapshot(t, alice)
	carol := dial(t, r, docID, viewerToken)
	carolEngine := engineFromSnapshot(t, carol)

	forbidden, err := carolEngine.InsertText(0, "hax ")
	require.NoError(t, err)
	sendUpdate(t, carol, forbidden)
	expectSilence(t, alice, 150*time.Millisecond)

	doc, err := f.store.LoadDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", doc.Content, "viewer write dropped")

	// The viewer session still receives edits from others.
	update, err := aliceEngine.InsertText(5, "!")
	require.NoError(t, err)
	sendUpdate(t, alice, update)
	env := readEnvelope(t, carol)
	assert.Equal(t, wire.TypeUpdate, env.Type)
}

func TestMalformedEnvelopeDropsMessageNotSession(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	docID := f.seedDoc(t, "Hello", "alice")
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	alice := dial(t, r, docID, ownerToken)
	aliceEngine := engineFromSnapshot(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"update","update":"$$$not-base64$$$"}`)))

	// A well-formed update still goes through afterwards.
	update, err := aliceEngine.InsertText(5, "!")
	require.NoError(t, err)
	sendUpdate(t, alice, update)

	assert.Eventually(t, func() bool {
		doc, err := f.store.LoadDocument(context.Background(), docID)
		return err == nil && doc.Content == "Hello!"
	}, 2*time.Second, 20*time.Millisecond)
}

// stalledLoadStore captures the document at call time but returns it only
// after release opens, exposing the window between a session attaching and
// its snapshot being read.
type stalledLoadStore struct {
	store.MetadataStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stalledLoadStore) LoadDocument(ctx context.Context, docID string) (*store.Document, error) {
	doc, err := s.MetadataStore.LoadDocument(ctx, docID)
	if s.armed.CompareAndSwap(true, false) {
		s.entered <- struct{}{}
		<-s.release
	}
	return doc, err
}

func TestJoinDeliversUpdatesFoldedDuringSnapshotLoad(t *testing.T) {
	f := newFixtures(t)
	ownerToken := f.addUser(t, "alice", "Alice", true)
	editorToken := f.addUser(t, "bob", "Bob", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "bob", "editor"))

	stalled := &stalledLoadStore{
		MetadataStore: f.store,
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	r := newReplica(t, f.broker, stalled, f.dir, 0)

	alice := dial(t, r, docID, ownerToken)
	aliceEngine := engineFromSnapshot(t, alice)

	// Bob's snapshot read stalls holding the pre-update state.
	stalled.armed.Store(true)
	bob := dial(t, r, docID, editorToken)
	<-stalled.entered

	update, err := aliceEngine.InsertText(5, " World")
	require.NoError(t, err)
	sendUpdate(t, alice, update)
	require.Eventually(t, func() bool {
		doc, err := f.store.LoadDocument(context.Background(), docID)
		return err == nil && doc.Content == "Hello World"
	}, 2*time.Second, 10*time.Millisecond)
	close(stalled.release)

	// Bob was attached before the fold's fan-out, so the update reaches him
	// as a broadcast even though his snapshot predates it. Frame order is
	// not fixed; collect both and fold.
	var engine *crdt.Engine
	var updates [][]byte
	for engine == nil || len(updates) == 0 {
		env := readEnvelope(t, bob)
		switch env.Type {
		case wire.TypeSyncState:
			state, err := env.StateBytes()
			require.NoError(t, err)
			engine, err = crdt.New(state)
			require.NoError(t, err)
		case wire.TypeUpdate:
			raw, err := env.UpdateBytes()
			require.NoError(t, err)
			updates = append(updates, raw)
		}
	}
	for _, u := range updates {
		require.NoError(t, engine.ApplyUpdate(u))
	}
	assert.Equal(t, "Hello World", engine.Plaintext())
}

func TestOversizedEnvelopeDroppedSessionSurvives(t *testing.T) {
	f := newFixtures(t)
	token := f.addUser(t, "alice", "Alice", true)
	docID := f.seedDoc(t, "Hello", "alice")
	r := newReplicaWithPayload(t, f.broker, f.store, f.dir, 0, 512)

	alice := dial(t, r, docID, token)
	aliceEngine := engineFromSnapshot(t, alice)

	big := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 600))
	oversized, err := json.Marshal(map[string]string{"type": "update", "update": big})
	require.NoError(t, err)
	require.Greater(t, len(oversized), 512)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, oversized))

	// The oversized envelope is dropped; the session keeps serving.
	update, err := aliceEngine.InsertText(5, "!")
	require.NoError(t, err)
	sendUpdate(t, alice, update)

	assert.Eventually(t, func() bool {
		doc, err := f.store.LoadDocument(context.Background(), docID)
		return err == nil && doc.Content == "Hello!"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixtures(t)
	aliceToken := f.addUser(t, "alice", "Alice", true)
	bobToken := f.addUser(t, "bob", "Bob", true)
	docID := f.seedDoc(t, "Hello", "alice")
	require.NoError(t, f.store.AddCollaborator(docID, "bob", "viewer"))
	r := newReplica(t, f.broker, f.store, f.dir, 30*time.Millisecond)

	closeConn := func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	alice := dial(t, r, docID, aliceToken)
	engineFromSnapshot(t, alice)
	bob := dial(t, r, docID, bobToken)
	engineFromSnapshot(t, bob)

	channel := bridge.ChannelFor(docID)
	assert.Eventually(t, func() bool {
		return f.broker.Subscribed(channel)
	}, time.Second, 10*time.Millisecond, "first join subscribes the replica")

	// One socket remains, so the subscription stays past the linger.
	closeConn(alice)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, f.broker.Subscribed(channel))

	closeConn(bob)
	assert.Eventually(t, func() bool {
		return !f.broker.Subscribed(channel)
	}, 2*time.Second, 10*time.Millisecond, "last detach unsubscribes after the linger")
}

func TestShutdownDrainsSessions(t *testing.T) {
	f := newFixtures(t)
	token := f.addUser(t, "alice", "Alice", true)
	docID := f.seedDoc(t, "Hello", "alice")
	r := newReplica(t, f.broker, f.store, f.dir, 0)

	conn := dial(t, r, docID, token)
	engineFromSnapshot(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.handler.Shutdown(ctx))

	expectClose(t, conn, websocket.CloseGoingAway)

	// New sessions are refused while draining.
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/documents/" + docID + "/sync?token=" + token
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	expectClose(t, late, websocket.CloseGoingAway)
}
