package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeSocket records sends and can be told to fail.
type fakeSocket struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("socket %s is broken", s.id)
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestAttachDetachCount(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSocket{id: "a"}
	b := &fakeSocket{id: "b"}

	assert.Equal(t, 0, r.Count("doc1"))
	r.Attach("doc1", a)
	r.Attach("doc1", b)
	assert.Equal(t, 2, r.Count("doc1"))

	r.Detach("doc1", a)
	assert.Equal(t, 1, r.Count("doc1"))
	r.Detach("doc1", a) // idempotent
	assert.Equal(t, 1, r.Count("doc1"))
	r.Detach("doc1", b)
	assert.Equal(t, 0, r.Count("doc1"))
	assert.Empty(t, r.Documents())
}

func TestBroadcastDeliversToAll(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSocket{id: "a"}
	b := &fakeSocket{id: "b"}
	r.Attach("doc1", a)
	r.Attach("doc1", b)

	r.Broadcast("doc1", []byte("hello"))
	assert.Equal(t, 1, a.sentCount())
	assert.Equal(t, 1, b.sentCount())
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSocket{id: "a"}
	b := &fakeSocket{id: "b"}
	r.Attach("doc1", a)
	r.Attach("doc1", b)

	r.BroadcastExcept("doc1", []byte("x"), a)
	assert.Equal(t, 0, a.sentCount())
	assert.Equal(t, 1, b.sentCount())
}

func TestBroadcastIsolatedPerDocument(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSocket{id: "a"}
	b := &fakeSocket{id: "b"}
	r.Attach("docA", a)
	r.Attach("docB", b)

	r.Broadcast("docA", []byte("only-a"))
	assert.Equal(t, 1, a.sentCount())
	assert.Equal(t, 0, b.sentCount())
}

func TestFailedSendDetachesOnlyThatSocket(t *testing.T) {
	r := New(zap.NewNop())
	a := &fakeSocket{id: "a", fail: true}
	b := &fakeSocket{id: "b"}
	c := &fakeSocket{id: "c"}
	r.Attach("docA", a)
	r.Attach("docA", b)
	r.Attach("docB", c)

	r.Broadcast("docA", []byte("x"))
	assert.Equal(t, 1, b.sentCount(), "peer delivery must not be aborted")
	assert.Equal(t, 1, r.Count("docA"), "failed socket is detached")
	assert.Equal(t, 1, r.Count("docB"), "other documents untouched")
}

func TestConcurrentBroadcastAndDetach(t *testing.T) {
	r := New(zap.NewNop())
	sockets := make([]*fakeSocket, 32)
	for i := range sockets {
		sockets[i] = &fakeSocket{id: fmt.Sprintf("s%d", i)}
		r.Attach("doc", sockets[i])
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Broadcast("doc", []byte("m"))
		}
	}()
	go func() {
		defer wg.Done()
		for _, s := range sockets[:16] {
			r.Detach("doc", s)
		}
	}()
	wg.Wait()

	assert.Equal(t, 16, r.Count("doc"))
}
