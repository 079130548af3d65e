// Package completion waits for work completions on a completion queue and
// enforces strict turn-taking: at most one work request is outstanding at
// any time, and every completion is checked against the request that was
// posted.
package completion

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/verbs"
)

// DefaultPollInterval is the sleep between empty polls when a poll interval
// is requested without a value. Zero interval means pure busy polling.
const DefaultPollInterval = 10 * time.Microsecond

var (
	ErrTurnViolation      = errors.New("work request posted while another is outstanding")
	ErrNothingOutstanding = errors.New("no work request outstanding")
	ErrCompletionMismatch = errors.New("completion does not match the outstanding work request")
	ErrPollFailed         = errors.New("failed to poll completion queue")
)

// CompletionError reports a work completion with a non-success status.
type CompletionError struct {
	WRID   uint64
	Opcode verbs.WCOpcode
	Status verbs.WCStatus
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("work completion wr_id=%d opcode=%s failed: %s", e.WRID, e.Opcode, e.Status)
}

// Flushed reports whether the request was flushed because its queue pair
// entered the error state, as happens when the peer disconnects.
func (e *CompletionError) Flushed() bool {
	return e.Status == verbs.WCWRFlushErr
}

// Handle identifies one posted work request.
type Handle struct {
	WRID   uint64
	Opcode verbs.WCOpcode
}

func (h Handle) String() string {
	return fmt.Sprintf("wr_id=%d opcode=%s", h.WRID, h.Opcode)
}

// Mode selects how the waiter blocks for completions.
type Mode int

const (
	// ModePoll spins on the completion queue.
	ModePoll Mode = iota
	// ModeEvent arms the queue and sleeps on its completion channel.
	ModeEvent
)

func (m Mode) String() string {
	if m == ModeEvent {
		return "event"
	}
	return "poll"
}

// ParseMode parses "poll" or "event".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "poll":
		return ModePoll, nil
	case "event":
		return ModeEvent, nil
	default:
		return ModePoll, fmt.Errorf("unknown wait mode %q", s)
	}
}

// Queue is the completion queue a waiter drains.
type Queue interface {
	Poll(max int) ([]verbs.WorkCompletion, error)
	ReqNotify() error
}

// EventSource delivers completion queue notifications in ModeEvent.
type EventSource interface {
	GetEvent(ctx context.Context) (*verbs.CompletionQueue, error)
	AckEvents(n int)
}

// Config configures a Waiter.
type Config struct {
	Mode         Mode
	PollInterval time.Duration
	Events       EventSource
}

// Waiter tracks the single outstanding work request of a connection and
// waits for its completion.
type Waiter struct {
	cq       Queue
	events   EventSource
	mode     Mode
	interval time.Duration

	mu             sync.Mutex
	outstanding    *Handle
	maxOutstanding int
}

// NewWaiter creates a waiter for cq.
func NewWaiter(cq Queue, cfg Config) *Waiter {
	mode := cfg.Mode
	if mode == ModeEvent && cfg.Events == nil {
		log.Warn().Msg("Event wait mode without a completion channel, falling back to polling")
		mode = ModePoll
	}
	return &Waiter{cq: cq, events: cfg.Events, mode: mode, interval: cfg.PollInterval}
}

// Mode returns the effective wait mode.
func (w *Waiter) Mode() Mode { return w.mode }

// Begin records h as the outstanding request. It must be called before the
// request is posted.
func (w *Waiter) Begin(h Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outstanding != nil {
		return fmt.Errorf("begin %s with %s outstanding: %w", h, *w.outstanding, ErrTurnViolation)
	}
	w.outstanding = &h
	w.maxOutstanding = max(w.maxOutstanding, 1)
	return nil
}

// Cancel forgets h after its post failed.
func (w *Waiter) Cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outstanding != nil && *w.outstanding == h {
		w.outstanding = nil
	}
}

// Outstanding returns the number of outstanding requests, zero or one.
func (w *Waiter) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outstanding != nil {
		return 1
	}
	return 0
}

// MaxOutstanding returns the highest number of requests ever outstanding
// at once.
func (w *Waiter) MaxOutstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxOutstanding
}

// Await waits for the completion of h, the outstanding request.
func (w *Waiter) Await(ctx context.Context, h Handle) (verbs.WorkCompletion, error) {
	w.mu.Lock()
	if w.outstanding == nil || *w.outstanding != h {
		w.mu.Unlock()
		return verbs.WorkCompletion{}, fmt.Errorf("await %s: %w", h, ErrNothingOutstanding)
	}
	w.mu.Unlock()

	wc, err := w.AwaitOne(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Still posted; the slot stays taken until the queue pair is torn down.
		return wc, err
	}

	w.mu.Lock()
	w.outstanding = nil
	w.mu.Unlock()

	if err != nil {
		return wc, err
	}
	if wc.WRID != h.WRID || wc.Opcode != h.Opcode {
		return wc, fmt.Errorf("expected %s, got wr_id=%d opcode=%s: %w", h, wc.WRID, wc.Opcode, ErrCompletionMismatch)
	}
	return wc, nil
}

// AwaitOne blocks until exactly one completion is dequeued. A poll failure
// or a completion with non-success status is returned as an error.
func (w *Waiter) AwaitOne(ctx context.Context) (verbs.WorkCompletion, error) {
	if w.mode == ModeEvent {
		return w.awaitEvent(ctx)
	}
	return w.awaitPoll(ctx)
}

func (w *Waiter) awaitPoll(ctx context.Context) (verbs.WorkCompletion, error) {
	for {
		wc, ok, err := w.pollOnce()
		if ok || err != nil {
			return wc, err
		}
		if err := ctx.Err(); err != nil {
			return verbs.WorkCompletion{}, err
		}
		if w.interval > 0 {
			time.Sleep(w.interval)
		} else {
			runtime.Gosched()
		}
	}
}

func (w *Waiter) awaitEvent(ctx context.Context) (verbs.WorkCompletion, error) {
	for {
		wc, ok, err := w.pollOnce()
		if ok || err != nil {
			return wc, err
		}
		if err := w.cq.ReqNotify(); err != nil {
			return verbs.WorkCompletion{}, fmt.Errorf("%w: arm notification: %w", ErrPollFailed, err)
		}
		// A completion may have landed between the poll and arming.
		wc, ok, err = w.pollOnce()
		if ok || err != nil {
			return wc, err
		}
		if _, err := w.events.GetEvent(ctx); err != nil {
			if ctx.Err() != nil {
				return verbs.WorkCompletion{}, ctx.Err()
			}
			return verbs.WorkCompletion{}, fmt.Errorf("%w: get completion event: %w", ErrPollFailed, err)
		}
		w.events.AckEvents(1)
	}
}

func (w *Waiter) pollOnce() (verbs.WorkCompletion, bool, error) {
	wcs, err := w.cq.Poll(1)
	if err != nil {
		return verbs.WorkCompletion{}, false, fmt.Errorf("%w: %w", ErrPollFailed, err)
	}
	if len(wcs) == 0 {
		return verbs.WorkCompletion{}, false, nil
	}
	wc := wcs[0]
	if wc.Status != verbs.WCSuccess {
		log.Debug().Uint64("wr_id", wc.WRID).Str("opcode", wc.Opcode.String()).
			Str("status", wc.Status.String()).Msg("Work completion failed")
		return wc, true, &CompletionError{WRID: wc.WRID, Opcode: wc.Opcode, Status: wc.Status}
	}
	return wc, true, nil
}
