package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/verbs"
)

// fakeQueue is an in-memory completion queue.
type fakeQueue struct {
	mu      sync.Mutex
	entries []verbs.WorkCompletion
	err     error
	armed   int
	polls   int
}

func (q *fakeQueue) Poll(max int) ([]verbs.WorkCompletion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	if q.err != nil {
		return nil, q.err
	}
	if len(q.entries) == 0 {
		return nil, nil
	}
	n := min(max, len(q.entries))
	out := append([]verbs.WorkCompletion(nil), q.entries[:n]...)
	q.entries = q.entries[n:]
	return out, nil
}

func (q *fakeQueue) ReqNotify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.armed++
	return nil
}

func (q *fakeQueue) add(wc verbs.WorkCompletion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, wc)
}

type fakeEvents struct {
	ch    chan struct{}
	acked int
}

func (e *fakeEvents) GetEvent(ctx context.Context) (*verbs.CompletionQueue, error) {
	select {
	case <-e.ch:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *fakeEvents) AckEvents(n int) { e.acked += n }

func TestAwaitMatchesHandle(t *testing.T) {
	q := &fakeQueue{}
	w := NewWaiter(q, Config{})
	h := Handle{WRID: 1, Opcode: verbs.WCRecv}

	require.NoError(t, w.Begin(h))
	assert.Equal(t, 1, w.Outstanding())

	q.add(verbs.WorkCompletion{WRID: 1, Opcode: verbs.WCRecv, ByteLen: 516})
	wc, err := w.Await(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, uint32(516), wc.ByteLen)
	assert.Zero(t, w.Outstanding())
	assert.Equal(t, 1, w.MaxOutstanding())
}

func TestBeginEnforcesTurnTaking(t *testing.T) {
	w := NewWaiter(&fakeQueue{}, Config{})
	first := Handle{WRID: 1, Opcode: verbs.WCRecv}
	require.NoError(t, w.Begin(first))

	err := w.Begin(Handle{WRID: 2, Opcode: verbs.WCSend})
	assert.ErrorIs(t, err, ErrTurnViolation)
	assert.Equal(t, 1, w.MaxOutstanding())

	w.Cancel(Handle{WRID: 99})
	assert.Equal(t, 1, w.Outstanding(), "cancel of another handle is ignored")
	w.Cancel(first)
	assert.Zero(t, w.Outstanding())
	require.NoError(t, w.Begin(Handle{WRID: 2, Opcode: verbs.WCSend}))
}

func TestAwaitWithoutBegin(t *testing.T) {
	w := NewWaiter(&fakeQueue{}, Config{})
	_, err := w.Await(context.Background(), Handle{WRID: 1})
	assert.ErrorIs(t, err, ErrNothingOutstanding)
}

func TestAwaitMismatch(t *testing.T) {
	tests := []struct {
		name string
		wc   verbs.WorkCompletion
	}{
		{name: "wrong wr id", wc: verbs.WorkCompletion{WRID: 2, Opcode: verbs.WCSend}},
		{name: "wrong opcode", wc: verbs.WorkCompletion{WRID: 1, Opcode: verbs.WCRecv}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			w := NewWaiter(q, Config{})
			h := Handle{WRID: 1, Opcode: verbs.WCSend}
			require.NoError(t, w.Begin(h))
			q.add(tt.wc)

			_, err := w.Await(context.Background(), h)
			assert.ErrorIs(t, err, ErrCompletionMismatch)
			assert.Zero(t, w.Outstanding())
		})
	}
}

func TestAwaitOneFailures(t *testing.T) {
	t.Run("non-success status", func(t *testing.T) {
		q := &fakeQueue{}
		q.add(verbs.WorkCompletion{WRID: 3, Opcode: verbs.WCRecv, Status: verbs.WCWRFlushErr})
		w := NewWaiter(q, Config{})

		wc, err := w.AwaitOne(context.Background())
		var cerr *CompletionError
		require.ErrorAs(t, err, &cerr)
		assert.True(t, cerr.Flushed())
		assert.Equal(t, uint64(3), wc.WRID)
		assert.Contains(t, err.Error(), "Work Request Flushed Error")
	})

	t.Run("poll error", func(t *testing.T) {
		w := NewWaiter(&fakeQueue{err: verbs.ErrCQOverrun}, Config{})
		_, err := w.AwaitOne(context.Background())
		assert.ErrorIs(t, err, ErrPollFailed)
		assert.ErrorIs(t, err, verbs.ErrCQOverrun)
	})

	t.Run("context cancelled keeps the request outstanding", func(t *testing.T) {
		w := NewWaiter(&fakeQueue{}, Config{PollInterval: DefaultPollInterval})
		h := Handle{WRID: 5, Opcode: verbs.WCRecv}
		require.NoError(t, w.Begin(h))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := w.Await(ctx, h)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, w.Outstanding())
	})
}

func TestAwaitOneBusyPolls(t *testing.T) {
	q := &fakeQueue{}
	w := NewWaiter(q, Config{})

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.add(verbs.WorkCompletion{WRID: 9})
	}()
	wc, err := w.AwaitOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), wc.WRID)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Greater(t, q.polls, 1)
	assert.Zero(t, q.armed, "poll mode never arms the queue")
}

func TestAwaitOneEventMode(t *testing.T) {
	q := &fakeQueue{}
	ev := &fakeEvents{ch: make(chan struct{}, 1)}
	w := NewWaiter(q, Config{Mode: ModeEvent, Events: ev})
	assert.Equal(t, ModeEvent, w.Mode())

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.add(verbs.WorkCompletion{WRID: 4})
		ev.ch <- struct{}{}
	}()
	wc, err := w.AwaitOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), wc.WRID)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.GreaterOrEqual(t, q.armed, 1)
}

func TestEventModeWithoutChannelFallsBack(t *testing.T) {
	w := NewWaiter(&fakeQueue{}, Config{Mode: ModeEvent})
	assert.Equal(t, ModePoll, w.Mode())
}

func TestWaiterOnSoftwareQueue(t *testing.T) {
	dev, err := verbs.OpenDevice("")
	require.NoError(t, err)
	ch, err := dev.CreateCompChannel()
	require.NoError(t, err)
	cq, err := dev.CreateCQ(4, ch)
	require.NoError(t, err)

	w := NewWaiter(cq, Config{Mode: ModeEvent, Events: ch})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.AwaitOne(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, cq.Destroy())
	_, err = w.AwaitOne(context.Background())
	assert.ErrorIs(t, err, ErrPollFailed)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("EVENT")
	require.NoError(t, err)
	assert.Equal(t, ModeEvent, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePoll, m)
	assert.Equal(t, "poll", m.String())
	_, err = ParseMode("spin")
	assert.Error(t, err)
}
