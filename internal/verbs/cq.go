package verbs

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const compChannelBufferSize = 64

// CompletionChannel delivers notifications for armed completion queues.
type CompletionChannel struct {
	events chan *CompletionQueue
	done   chan struct{}

	mu      sync.Mutex
	cqs     int
	unacked int
	closed  bool
}

// CreateCompChannel creates a completion event channel.
func (d *Device) CreateCompChannel() (*CompletionChannel, error) {
	return &CompletionChannel{
		events: make(chan *CompletionQueue, compChannelBufferSize),
		done:   make(chan struct{}),
	}, nil
}

// GetEvent blocks until an armed completion queue gets a new entry.
func (ch *CompletionChannel) GetEvent(ctx context.Context) (*CompletionQueue, error) {
	select {
	case cq := <-ch.events:
		ch.mu.Lock()
		ch.unacked++
		ch.mu.Unlock()
		return cq, nil
	case <-ch.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AckEvents acknowledges n events returned by GetEvent.
func (ch *CompletionChannel) AckEvents(n int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.unacked -= n
	if ch.unacked < 0 {
		ch.unacked = 0
	}
}

// Destroy closes the channel. It fails while completion queues use it.
func (ch *CompletionChannel) Destroy() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrAlreadyReleased
	}
	if ch.cqs > 0 {
		return fmt.Errorf("destroy completion channel with %d CQs attached: %w", ch.cqs, ErrResourceBusy)
	}
	ch.closed = true
	close(ch.done)
	return nil
}

func (ch *CompletionChannel) notify(cq *CompletionQueue) {
	select {
	case ch.events <- cq:
	default:
		// A pending event for this CQ already wakes the waiter.
		log.Trace().Msg("Completion channel full, dropping notification")
	}
}

// CompletionQueue holds work completions until they are polled.
type CompletionQueue struct {
	ch    *CompletionChannel
	depth int

	mu        sync.Mutex
	entries   []WorkCompletion
	overrun   bool
	armed     bool
	qps       int
	destroyed bool
}

// CreateCQ creates a completion queue with room for depth entries. ch may be
// nil when the queue is only ever polled.
func (d *Device) CreateCQ(depth int, ch *CompletionChannel) (*CompletionQueue, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("depth %d: %w", depth, ErrCQCreation)
	}
	if ch != nil {
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrCQCreation, ErrChannelClosed)
		}
		ch.cqs++
		ch.mu.Unlock()
	}
	return &CompletionQueue{ch: ch, depth: depth}, nil
}

// Poll dequeues up to max completions without blocking.
func (cq *CompletionQueue) Poll(max int) ([]WorkCompletion, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.destroyed {
		return nil, fmt.Errorf("%w: %w", ErrPollCQ, ErrAlreadyReleased)
	}
	if cq.overrun {
		return nil, fmt.Errorf("%w: %w", ErrPollCQ, ErrCQOverrun)
	}
	if len(cq.entries) == 0 || max <= 0 {
		return nil, nil
	}
	n := min(max, len(cq.entries))
	out := make([]WorkCompletion, n)
	copy(out, cq.entries[:n])
	cq.entries = cq.entries[n:]
	return out, nil
}

// ReqNotify arms the queue so the next completion raises an event on its
// completion channel.
func (cq *CompletionQueue) ReqNotify() error {
	if cq.ch == nil {
		return fmt.Errorf("completion queue has no channel: %w", ErrInvalidQPState)
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.destroyed {
		return ErrAlreadyReleased
	}
	cq.armed = true
	return nil
}

// Destroy releases the queue. It fails while a queue pair is attached.
func (cq *CompletionQueue) Destroy() error {
	cq.mu.Lock()
	if cq.destroyed {
		cq.mu.Unlock()
		return ErrAlreadyReleased
	}
	if cq.qps > 0 {
		cq.mu.Unlock()
		return fmt.Errorf("destroy CQ with %d queue pairs attached: %w", cq.qps, ErrResourceBusy)
	}
	cq.destroyed = true
	cq.entries = nil
	cq.mu.Unlock()

	if cq.ch != nil {
		cq.ch.mu.Lock()
		cq.ch.cqs--
		cq.ch.mu.Unlock()
	}
	return nil
}

func (cq *CompletionQueue) push(wc WorkCompletion) {
	cq.mu.Lock()
	if cq.destroyed {
		cq.mu.Unlock()
		return
	}
	if len(cq.entries) >= cq.depth {
		cq.overrun = true
		cq.mu.Unlock()
		log.Error().Uint64("wr_id", wc.WRID).Int("depth", cq.depth).Msg("Completion queue overrun")
		return
	}
	cq.entries = append(cq.entries, wc)
	fire := cq.armed
	cq.armed = false
	cq.mu.Unlock()

	if fire && cq.ch != nil {
		cq.ch.notify(cq)
	}
}

func (cq *CompletionQueue) attachQP(n int) {
	cq.mu.Lock()
	cq.qps += n
	cq.mu.Unlock()
}
