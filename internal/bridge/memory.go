package bridge

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process Pub/Sub fabric. It backs single-node
// deployments that run without Redis and hermetic tests that exercise
// multiple replicas in one process.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*MemoryConn]struct{}
	closed bool
}

// MemoryConn is one replica's connection to a MemoryBroker.
type MemoryConn struct {
	broker *MemoryBroker
	inbox  chan *Message
	done   chan struct{}
	once   sync.Once
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*MemoryConn]struct{})}
}

// Connect returns a new connection to the broker.
func (b *MemoryBroker) Connect() *MemoryConn {
	return &MemoryConn{
		broker: b,
		inbox:  make(chan *Message, 256),
		done:   make(chan struct{}),
	}
}

// Subscribe registers the connection for a channel.
func (c *MemoryConn) Subscribe(_ context.Context, channel string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.closed {
		return fmt.Errorf("broker is closed")
	}
	set, ok := c.broker.subs[channel]
	if !ok {
		set = make(map[*MemoryConn]struct{})
		c.broker.subs[channel] = set
	}
	set[c] = struct{}{}
	return nil
}

// Unsubscribe removes the connection from a channel.
func (c *MemoryConn) Unsubscribe(_ context.Context, channel string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	set, ok := c.broker.subs[channel]
	if !ok {
		return nil
	}
	delete(set, c)
	if len(set) == 0 {
		delete(c.broker.subs, channel)
	}
	return nil
}

// Publish delivers the payload to every subscriber of the channel,
// including the publishing connection if it is subscribed. Delivery order
// per channel follows publish order.
func (c *MemoryConn) Publish(_ context.Context, channel string, payload []byte) error {
	c.broker.mu.RLock()
	defer c.broker.mu.RUnlock()
	if c.broker.closed {
		return fmt.Errorf("broker is closed")
	}
	msg := &Message{Channel: channel, Payload: payload}
	for sub := range c.broker.subs[channel] {
		select {
		case sub.inbox <- msg:
		case <-sub.done:
		default:
			// Subscriber is not draining; drop rather than block the fabric.
		}
	}
	return nil
}

// Receive blocks for the next message.
func (c *MemoryConn) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("substrate connection closed")
	case msg := <-c.inbox:
		return msg, nil
	}
}

// Close drops the connection from every channel and unblocks Receive.
func (c *MemoryConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.broker.mu.Lock()
		for channel, set := range c.broker.subs {
			delete(set, c)
			if len(set) == 0 {
				delete(c.broker.subs, channel)
			}
		}
		c.broker.mu.Unlock()
	})
	return nil
}

// Subscribed reports whether any connection is subscribed to the channel.
// Test hook.
func (b *MemoryBroker) Subscribed(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel]) > 0
}
