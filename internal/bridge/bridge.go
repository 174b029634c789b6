package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabsync/internal/registry"
	"collabsync/internal/wire"
)

// Options configures a Bridge.
type Options struct {
	// UnsubscribeLinger delays the real unsubscribe after the last local
	// socket detaches, absorbing disconnect/reconnect churn. Zero means
	// unsubscribe immediately.
	UnsubscribeLinger time.Duration
	// DrainTimeout bounds the wait for in-flight publishes during Stop.
	DrainTimeout time.Duration
}

// NewOptions returns Options with default values.
func NewOptions() *Options {
	return &Options{
		UnsubscribeLinger: 2 * time.Second,
		DrainTimeout:      5 * time.Second,
	}
}

// channelRef tracks local interest in one document channel.
type channelRef struct {
	// count is the number of local sockets holding the subscription.
	count int
	// subscribed reports whether the real substrate subscribe has been issued.
	subscribed bool
	// timer is the pending lingered unsubscribe, if any.
	timer *time.Timer
	// retrying marks a background re-subscribe running on behalf of holders
	// left behind by a failed 0-to-1 subscribe.
	retrying bool
}

// Bridge owns the replica's substrate connection and the per-document
// subscription refcounts.
type Bridge struct {
	substrate Substrate
	registry  *registry.Registry
	logger    *zap.Logger
	options   *Options

	// origin is this replica's identity, stamped into published envelopes.
	origin string

	// mu guards refs. Substrate calls are made outside the lock; the count
	// is re-checked afterwards (compare-and-act) to resolve races.
	mu   sync.Mutex
	refs map[string]*channelRef

	// pubWG tracks in-flight publishes for the Stop drain.
	pubWG sync.WaitGroup

	healthy  atomic.Bool
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates a Bridge over the given substrate.
func New(substrate Substrate, reg *registry.Registry, logger *zap.Logger, options *Options) *Bridge {
	if options == nil {
		options = NewOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		substrate: substrate,
		registry:  reg,
		logger:    logger,
		options:   options,
		origin:    uuid.NewString(),
		refs:      make(map[string]*channelRef),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	b.healthy.Store(true)
	return b
}

// Origin returns this replica's identity.
func (b *Bridge) Origin() string {
	return b.origin
}

// Healthy reports whether the substrate connection is believed usable.
// Exposed for orchestration health checks.
func (b *Bridge) Healthy() bool {
	return b.healthy.Load()
}

// Start spawns the background receive loop.
func (b *Bridge) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.run()
}

// Subscribe registers local interest in a document channel. The real
// substrate subscribe is only issued on the 0-to-1 transition; a pending
// lingered unsubscribe is cancelled instead.
func (b *Bridge) Subscribe(ctx context.Context, docID string) error {
	b.mu.Lock()
	ref, ok := b.refs[docID]
	if !ok {
		ref = &channelRef{}
		b.refs[docID] = ref
	}
	ref.count++
	if ref.timer != nil {
		ref.timer.Stop()
		ref.timer = nil
	}
	if ref.subscribed || ref.count > 1 {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err := b.substrate.Subscribe(ctx, ChannelFor(docID))

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		ref.count--
		if ref.count == 0 && !ref.subscribed {
			delete(b.refs, docID)
		} else if ref.count > 0 && !ref.subscribed && !ref.retrying {
			// Holders that piggybacked while the call was in flight were
			// told the subscription exists; retry on their behalf.
			ref.retrying = true
			go b.retrySubscribe(docID)
		}
		return fmt.Errorf("failed to subscribe to document channel: %w", err)
	}
	ref.subscribed = true
	if ref.count == 0 {
		// Everyone left while the subscribe was in flight.
		b.scheduleUnsubscribeLocked(docID, ref)
	}
	return nil
}

// Unsubscribe drops one unit of local interest. The real unsubscribe is
// issued only on the 1-to-0 transition, after the configured linger.
// Idempotent for unknown documents.
func (b *Bridge) Unsubscribe(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.refs[docID]
	if !ok || ref.count == 0 {
		return
	}
	ref.count--
	if ref.count > 0 {
		return
	}
	if !ref.subscribed {
		delete(b.refs, docID)
		return
	}
	b.scheduleUnsubscribeLocked(docID, ref)
}

// retrySubscribe re-issues the substrate subscribe with bounded backoff
// until it succeeds, interest is gone, or the bridge stops.
func (b *Bridge) retrySubscribe(docID string) {
	const (
		minBackoff = 100 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff

	for {
		b.mu.Lock()
		ref, ok := b.refs[docID]
		if !ok || ref.count == 0 || ref.subscribed {
			if ok {
				ref.retrying = false
			}
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		err := b.substrate.Subscribe(b.ctx, ChannelFor(docID))

		b.mu.Lock()
		ref, ok = b.refs[docID]
		if err == nil {
			if !ok {
				// Everyone left during the call; undo.
				b.mu.Unlock()
				_ = b.substrate.Unsubscribe(context.Background(), ChannelFor(docID))
				return
			}
			ref.subscribed = true
			ref.retrying = false
			b.mu.Unlock()
			return
		}
		if !ok {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		b.logger.Warn("Failed to restore document subscription, backing off",
			zap.String("document_id", docID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-b.ctx.Done():
			b.mu.Lock()
			if ref, ok := b.refs[docID]; ok {
				ref.retrying = false
			}
			b.mu.Unlock()
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// scheduleUnsubscribeLocked arms the lingered unsubscribe. Caller holds mu.
func (b *Bridge) scheduleUnsubscribeLocked(docID string, ref *channelRef) {
	if ref.timer != nil {
		return
	}
	if b.options.UnsubscribeLinger <= 0 {
		go b.finishUnsubscribe(docID)
		return
	}
	ref.timer = time.AfterFunc(b.options.UnsubscribeLinger, func() {
		b.finishUnsubscribe(docID)
	})
}

// finishUnsubscribe performs the real unsubscribe unless interest returned
// during the linger, and re-subscribes if interest returns during the
// substrate call itself.
func (b *Bridge) finishUnsubscribe(docID string) {
	b.mu.Lock()
	ref, ok := b.refs[docID]
	if !ok || ref.count > 0 || !ref.subscribed {
		if ok {
			ref.timer = nil
		}
		b.mu.Unlock()
		return
	}
	ref.timer = nil
	b.mu.Unlock()

	err := b.substrate.Unsubscribe(context.Background(), ChannelFor(docID))

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		// Still subscribed as far as the substrate knows; keep the ref so a
		// later transition retries.
		b.logger.Warn("Failed to unsubscribe from document channel",
			zap.String("document_id", docID),
			zap.Error(err))
		return
	}
	ref.subscribed = false
	if ref.count > 0 {
		// A session subscribed while the unsubscribe was in flight.
		go func() {
			if err := b.Subscribe(context.Background(), docID); err != nil {
				b.logger.Warn("Failed to restore subscription",
					zap.String("document_id", docID),
					zap.Error(err))
			}
		}()
		return
	}
	delete(b.refs, docID)
}

// Subscribed reports whether the bridge currently holds (or is winding
// down) a subscription for the document.
func (b *Bridge) Subscribed(docID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.refs[docID]
	return ok && (ref.count > 0 || ref.subscribed)
}

// Publish sends a serialized envelope to the document channel.
func (b *Bridge) Publish(ctx context.Context, docID string, payload []byte) error {
	b.pubWG.Add(1)
	defer b.pubWG.Done()
	if err := b.substrate.Publish(ctx, ChannelFor(docID), payload); err != nil {
		return fmt.Errorf("failed to publish to document channel: %w", err)
	}
	return nil
}

// run is the background receive loop. It survives any single-message error
// and applies a bounded backoff on connection-level errors. Dispatch is
// single-threaded, preserving the substrate's per-channel FIFO order.
func (b *Bridge) run() {
	defer close(b.loopDone)

	const (
		minBackoff = 100 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff

	for {
		msg, err := b.substrate.Receive(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.healthy.Store(false)
			b.logger.Warn("Substrate receive failed, backing off",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		b.healthy.Store(true)
		backoff = minBackoff

		docID, ok := docIDFromChannel(msg.Channel)
		if !ok {
			b.logger.Warn("Message on unrecognized channel",
				zap.String("channel", msg.Channel))
			continue
		}
		env, err := wire.Decode(msg.Payload, 0)
		if err != nil {
			b.logger.Warn("Failed to decode fabric message",
				zap.String("document_id", docID),
				zap.Error(err))
			continue
		}
		// Updates were already fanned out locally on the replica that
		// accepted them; skipping the echo avoids a redundant delivery.
		// Presence is re-broadcast everywhere, sender's replica included.
		if env.Type == wire.TypeUpdate && env.Origin == b.origin {
			continue
		}
		b.registry.Broadcast(docID, msg.Payload)
	}
}

// Stop cancels the receive loop, drains in-flight publishes for at most the
// configured drain timeout, and closes the substrate connection.
func (b *Bridge) Stop() error {
	b.cancel()

	b.mu.Lock()
	for _, ref := range b.refs {
		if ref.timer != nil {
			ref.timer.Stop()
			ref.timer = nil
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.pubWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.options.DrainTimeout):
		b.logger.Warn("Timed out draining in-flight publishes")
	}

	err := b.substrate.Close()
	if b.started.Load() {
		<-b.loopDone
	}
	return err
}
