package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/verbs"
	"github.com/yuuki/rdmakv/internal/wire"
)

type descriptors struct {
	local, peer wire.PeerDescriptor
}

// echoHandler sends every request back unchanged and reports the server's
// descriptors on seen.
func echoHandler(seen chan<- descriptors) HandlerFunc {
	return func(ctx context.Context, conn *Connection) error {
		if seen != nil {
			seen <- descriptors{local: conn.LocalDescriptor(), peer: conn.PeerDescriptor()}
		}
		for {
			msg, err := conn.AwaitMessage(ctx)
			if err != nil {
				return err
			}
			if err := conn.SendMessage(ctx, msg); err != nil {
				return err
			}
			if err := conn.Rearm(); err != nil {
				return err
			}
		}
	}
}

type testServer struct {
	dev  *verbs.Device
	ctrl *Controller
	errc chan error
	done chan struct{}
}

func startController(t *testing.T, opts Options, h Handler) *testServer {
	t.Helper()
	dev, err := verbs.OpenDevice("")
	require.NoError(t, err)

	ctrl := NewController(dev, opts, h)
	require.NoError(t, ctrl.Listen("127.0.0.1:0"))
	assert.Equal(t, StateListening, ctrl.State())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errc <- ctrl.Serve(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
		assert.NoError(t, ctrl.Close())
	})
	return &testServer{dev: dev, ctrl: ctrl, errc: errc, done: done}
}

func (s *testServer) dial(t *testing.T, opts Options) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, s.dev, s.ctrl.Addr().String(), opts)
	require.NoError(t, err)
	return conn
}

func (s *testServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not return")
		return nil
	}
}

func roundTrip(t *testing.T, conn *Connection, msg wire.Message) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.ClearBuffers()
	require.NoError(t, conn.SendMessage(ctx, msg))
	require.NoError(t, conn.PostRecv())
	resp, err := conn.AwaitMessage(ctx)
	require.NoError(t, err)
	return resp
}

func TestConnectionLifecycle(t *testing.T) {
	for _, mode := range []TransferMode{TransferSend, TransferWriteImm} {
		t.Run(mode.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Transfer = mode
			opts.MaxConnections = 1

			seen := make(chan descriptors, 1)
			srv := startController(t, opts, echoHandler(seen))
			conn := srv.dial(t, opts)

			server := <-seen
			assert.Equal(t, server.local, conn.PeerDescriptor(), "initiator records the responder's receive buffer")
			assert.Equal(t, conn.LocalDescriptor(), server.peer, "responder records the initiator's receive buffer")
			assert.False(t, server.local.IsZero())

			for _, msg := range []wire.Message{
				{Op: wire.OpPut, Key: "a", Value: "b"},
				{Op: wire.OpGet, Key: "a"},
				{Op: wire.OpGet, Key: "zz", Value: "longer value than before"},
				{Op: wire.OpGet, Key: "x"},
			} {
				assert.Equal(t, msg, roundTrip(t, conn, msg))
			}
			assert.Equal(t, StateMessageLoop, srv.ctrl.State())

			assert.Equal(t, 1, conn.Waiter().MaxOutstanding())
			assert.Equal(t, 1, conn.QP().MaxOutstanding())

			require.NoError(t, conn.Close())
			require.NoError(t, srv.wait(t), "peer disconnect is a normal end")
			assert.Equal(t, 1, srv.ctrl.Served())
			assert.Equal(t, StateListening, srv.ctrl.State())
		})
	}
}

func TestBackToBackRoundTrips(t *testing.T) {
	for _, mode := range []TransferMode{TransferSend, TransferWriteImm} {
		t.Run(mode.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Transfer = mode
			srv := startController(t, opts, echoHandler(nil))
			conn := srv.dial(t, opts)
			defer conn.Close()

			// The next request may land before the responder has rearmed.
			for i := 0; i < 500; i++ {
				msg := wire.Message{Op: wire.OpPut, Key: fmt.Sprintf("k%d", i), Value: "v"}
				require.Equal(t, msg, roundTrip(t, conn, msg), "iteration %d", i)
			}
		})
	}
}

func TestSequentialConnections(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConnections = 2
	opts.Wait = completion.ModeEvent
	srv := startController(t, opts, echoHandler(nil))

	for i := 0; i < 2; i++ {
		conn := srv.dial(t, opts)
		msg := wire.Message{Op: wire.OpPut, Key: "round", Value: string(rune('0' + i))}
		assert.Equal(t, msg, roundTrip(t, conn, msg))
		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return srv.ctrl.Served() == i+1 }, 5*time.Second, time.Millisecond)
	}
	require.NoError(t, srv.wait(t))
}

func TestServerSideTurnTaking(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConnections = 1
	violations := make(chan error, 1)
	srv := startController(t, opts, HandlerFunc(func(ctx context.Context, conn *Connection) error {
		// The receive posted before accept is still outstanding.
		violations <- conn.PostRecv()
		assert.Equal(t, 1, conn.QP().Outstanding())
		return echoHandler(nil)(ctx, conn)
	}))

	conn := srv.dial(t, opts)
	err := <-violations
	assert.ErrorIs(t, err, completion.ErrTurnViolation)
	assert.Equal(t, KindProtocol, KindOf(err))

	msg := wire.Message{Op: wire.OpGet, Key: "k"}
	assert.Equal(t, msg, roundTrip(t, conn, msg))
	require.NoError(t, conn.Close())
	require.NoError(t, srv.wait(t))
}

func TestInitiatorTurnTaking(t *testing.T) {
	srv := startController(t, DefaultOptions(), echoHandler(nil))
	conn := srv.dial(t, DefaultOptions())
	defer conn.Close()

	require.NoError(t, conn.PostRecv())
	err := conn.SendMessage(context.Background(), wire.Message{Op: wire.OpGet, Key: "k"})
	assert.ErrorIs(t, err, completion.ErrTurnViolation)
	assert.Equal(t, 1, conn.QP().Outstanding(), "rejected send was never posted")
}

func TestHandlerFailureIsConnectionScoped(t *testing.T) {
	opts := DefaultOptions()
	boom := errors.New("boom")
	srv := startController(t, opts, HandlerFunc(func(ctx context.Context, conn *Connection) error {
		return conn.errorf(KindProtocol, "dispatch", boom)
	}))

	conn := srv.dial(t, opts)
	defer conn.Close()

	err := srv.wait(t)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ConnectionScoped(err))
	assert.Equal(t, KindProtocol, KindOf(err))

	// The peer sees its posted receive flushed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.PostRecv())
	_, err = conn.AwaitMessage(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.True(t, IsFlushed(err))
	assert.Equal(t, StateListening, srv.ctrl.State())
}

func TestConnectWithoutDescriptorIsRejected(t *testing.T) {
	srv := startController(t, DefaultOptions(), echoHandler(nil))

	events := verbs.CreateEventChannel()
	id, err := events.CreateID(srv.dev)
	require.NoError(t, err)
	pd, err := srv.dev.AllocPD()
	require.NoError(t, err)
	cq, err := srv.dev.CreateCQ(4, nil)
	require.NoError(t, err)
	qp, err := id.CreateQP(pd, verbs.QPInitAttr{SendCQ: cq, RecvCQ: cq})
	require.NoError(t, err)
	t.Cleanup(func() {
		qp.ModifyToError()
		_ = qp.Destroy()
		_ = cq.Destroy()
		_ = pd.Dealloc()
		_ = id.Destroy()
		_ = events.Destroy()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, id.Connect(ctx, srv.ctrl.Addr().String(), verbs.ConnParam{PrivateData: []byte{1, 2, 3}}))
	ev, err := events.GetEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, verbs.EventRejected, ev.Type)

	err = srv.wait(t)
	assert.ErrorIs(t, err, wire.ErrShortDescriptor)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.True(t, ConnectionScoped(err))
	assert.Equal(t, StateListening, srv.ctrl.State())
	assert.Zero(t, srv.ctrl.Served())
}

func TestDialRefused(t *testing.T) {
	dev, err := verbs.OpenDevice("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, dev, "127.0.0.1:1", DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, KindConnectionManager, KindOf(err))
}

func TestTeardownIdempotent(t *testing.T) {
	srv := startController(t, DefaultOptions(), echoHandler(nil))
	conn := srv.dial(t, DefaultOptions())

	recv, send := conn.RecvRegion(), conn.SendRegion()
	require.NoError(t, conn.PostRecv())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Teardown())
	require.NoError(t, conn.Close())

	assert.False(t, recv.Registered())
	assert.False(t, send.Registered())
	assert.ErrorIs(t, conn.ProtectionDomain().Dealloc(), verbs.ErrAlreadyReleased)
	assert.ErrorIs(t, conn.events.Destroy(), verbs.ErrAlreadyReleased)
}

func TestTeardownRetriesAfterFailure(t *testing.T) {
	srv := startController(t, DefaultOptions(), echoHandler(nil))
	conn := srv.dial(t, DefaultOptions())

	// A second id on the owned event channel keeps it busy.
	extra, err := conn.events.CreateID(srv.dev)
	require.NoError(t, err)

	require.NoError(t, conn.Disconnect())
	assert.ErrorIs(t, conn.Teardown(), verbs.ErrResourceBusy)

	require.NoError(t, extra.Destroy())
	require.NoError(t, conn.Teardown())
	assert.ErrorIs(t, conn.events.Destroy(), verbs.ErrAlreadyReleased)
	require.NoError(t, conn.Teardown())
}

func TestTeardownOfPartialConnection(t *testing.T) {
	dev, err := verbs.OpenDevice("")
	require.NoError(t, err)
	events := verbs.CreateEventChannel()
	id, err := events.CreateID(dev)
	require.NoError(t, err)

	conn, err := newConnection(id, DefaultOptions(), RoleInitiator)
	require.NoError(t, err)
	conn.events = events

	// No buffers registered, never connected.
	require.NoError(t, conn.Teardown())
	require.NoError(t, conn.Teardown())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "LISTENING", StateListening.String())
	assert.Equal(t, "MESSAGE_LOOP", StateMessageLoop.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestParseTransferMode(t *testing.T) {
	m, err := ParseTransferMode("write_imm")
	require.NoError(t, err)
	assert.Equal(t, TransferWriteImm, m)
	m, err = ParseTransferMode("")
	require.NoError(t, err)
	assert.Equal(t, TransferSend, m)
	_, err = ParseTransferMode("read")
	assert.Error(t, err)
}
