package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/connection"
	"github.com/yuuki/rdmakv/internal/storage"
	"github.com/yuuki/rdmakv/internal/telemetry"
	"github.com/yuuki/rdmakv/internal/verbs"
	"github.com/yuuki/rdmakv/internal/wire"
)

type failingBackend struct{ err error }

func (f failingBackend) Put(context.Context, string, string) error { return f.err }
func (f failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}
func (f failingBackend) Close() error { return nil }

func TestHandle(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(storage.NewMemory(), nil)

	tests := []struct {
		name string
		req  wire.Message
		want wire.Message
	}{
		{
			name: "put acknowledges key and value",
			req:  wire.Message{Op: wire.OpPut, Key: "a", Value: "b"},
			want: wire.Message{Op: wire.OpPut, Key: "a", Value: "a b"},
		},
		{
			name: "get returns stored value",
			req:  wire.Message{Op: wire.OpGet, Key: "a"},
			want: wire.Message{Op: wire.OpGet, Key: "a", Value: "b"},
		},
		{
			name: "get of absent key",
			req:  wire.Message{Op: wire.OpGet, Key: "z"},
			want: wire.Message{Op: wire.OpGet, Key: "z", Value: wire.NotFoundValue},
		},
		{
			name: "second put shadows the first",
			req:  wire.Message{Op: wire.OpPut, Key: "a", Value: "c"},
			want: wire.Message{Op: wire.OpPut, Key: "a", Value: "a c"},
		},
		{
			name: "get sees the newest value",
			req:  wire.Message{Op: wire.OpGet, Key: "a", Value: "ignored"},
			want: wire.Message{Op: wire.OpGet, Key: "a", Value: "c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Handle(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandlePutAckIsBounded(t *testing.T) {
	e := NewEngine(storage.NewMemory(), nil)
	key := strings.Repeat("k", 200)
	value := strings.Repeat("v", 200)

	got, err := e.Handle(context.Background(), wire.Message{Op: wire.OpPut, Key: key, Value: value})
	require.NoError(t, err)
	assert.Len(t, got.Value, wire.MaxFieldLen)
	assert.True(t, strings.HasPrefix(got.Value, key+" v"))
}

func TestHandleUnsupportedOperation(t *testing.T) {
	e := NewEngine(storage.NewMemory(), nil)
	_, err := e.Handle(context.Background(), wire.Message{Op: 9, Key: "a"})
	assert.ErrorIs(t, err, connection.ErrUnsupportedOperation)
}

func TestHandleBackendFailure(t *testing.T) {
	boom := errors.New("backend down")
	e := NewEngine(failingBackend{err: boom}, nil)

	_, err := e.Handle(context.Background(), wire.Message{Op: wire.OpPut, Key: "a", Value: "b"})
	assert.ErrorIs(t, err, boom)
	_, err = e.Handle(context.Background(), wire.Message{Op: wire.OpGet, Key: "a"})
	assert.ErrorIs(t, err, boom)
}

type server struct {
	dev  *verbs.Device
	ctrl *connection.Controller
	errc chan error
	done chan struct{}
}

func startServer(t *testing.T, opts connection.Options, h connection.Handler) *server {
	t.Helper()
	dev, err := verbs.OpenDevice("")
	require.NoError(t, err)
	ctrl := connection.NewController(dev, opts, h)
	require.NoError(t, ctrl.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	s := &server{dev: dev, ctrl: ctrl, errc: make(chan error, 1), done: make(chan struct{})}
	go func() {
		s.errc <- ctrl.Serve(ctx)
		close(s.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
		assert.NoError(t, ctrl.Close())
	})
	return s
}

func (s *server) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not return")
		return nil
	}
}

func exchange(t *testing.T, conn *connection.Connection, req wire.Message) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.ClearBuffers()
	require.NoError(t, conn.SendMessage(ctx, req))
	require.NoError(t, conn.PostRecv())
	resp, err := conn.AwaitMessage(ctx)
	require.NoError(t, err)
	return resp
}

func TestEndToEnd(t *testing.T) {
	cases := []struct {
		name     string
		transfer connection.TransferMode
		wait     completion.Mode
	}{
		{"send/poll", connection.TransferSend, completion.ModePoll},
		{"send/event", connection.TransferSend, completion.ModeEvent},
		{"write_imm/poll", connection.TransferWriteImm, completion.ModePoll},
		{"write_imm/event", connection.TransferWriteImm, completion.ModeEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := connection.DefaultOptions()
			opts.Transfer = tc.transfer
			opts.Wait = tc.wait
			opts.MaxConnections = 1

			reader := sdkmetric.NewManualReader()
			metrics, err := telemetry.NewMetricsWithReader(reader)
			require.NoError(t, err)
			backend := storage.NewMemory()

			srv := startServer(t, opts, NewEngine(backend, metrics))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := connection.Dial(ctx, srv.dev, srv.ctrl.Addr().String(), opts)
			require.NoError(t, err)

			resp := exchange(t, conn, wire.Message{Op: wire.OpPut, Key: "a", Value: "b"})
			assert.Equal(t, "a b", resp.Value)
			assert.Equal(t, wire.OpPut, resp.Op)

			resp = exchange(t, conn, wire.Message{Op: wire.OpGet, Key: "a"})
			assert.Equal(t, "b", resp.Value)

			resp = exchange(t, conn, wire.Message{Op: wire.OpGet, Key: "z"})
			assert.Equal(t, wire.NotFoundValue, resp.Value)

			exchange(t, conn, wire.Message{Op: wire.OpPut, Key: "a", Value: "c"})
			resp = exchange(t, conn, wire.Message{Op: wire.OpGet, Key: "a"})
			assert.Equal(t, "c", resp.Value)
			assert.Equal(t, 2, backend.Len(), "shadowed entries are retained")

			assert.Equal(t, 1, conn.Waiter().MaxOutstanding())
			assert.Equal(t, 1, conn.QP().MaxOutstanding())

			require.NoError(t, conn.Close())
			require.NoError(t, srv.wait(t))

			var rm metricdata.ResourceMetrics
			require.NoError(t, reader.Collect(context.Background(), &rm))
			counts := map[string]int64{}
			for _, sm := range rm.ScopeMetrics {
				for _, m := range sm.Metrics {
					if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
						for _, dp := range sum.DataPoints {
							counts[m.Name] += dp.Value
						}
					}
				}
			}
			assert.Equal(t, int64(5), counts["rdmakv.requests"])
			assert.Equal(t, int64(1), counts["rdmakv.lookup.misses"])
			assert.Zero(t, counts["rdmakv.completion.errors"], "a disconnect is not a completion error")
		})
	}
}

func TestUnsupportedOperationEndsConnection(t *testing.T) {
	opts := connection.DefaultOptions()
	srv := startServer(t, opts, NewEngine(storage.NewMemory(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connection.Dial(ctx, srv.dev, srv.ctrl.Addr().String(), opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendMessage(ctx, wire.Message{Op: 7, Key: "a"}))
	require.NoError(t, conn.PostRecv())

	err = srv.wait(t)
	assert.ErrorIs(t, err, connection.ErrUnsupportedOperation)
	assert.Equal(t, connection.KindProtocol, connection.KindOf(err))
	assert.True(t, connection.ConnectionScoped(err))

	_, err = conn.AwaitMessage(ctx)
	assert.ErrorIs(t, err, connection.ErrDisconnected)
}

func TestBackendFailureIsNotConnectionScoped(t *testing.T) {
	boom := errors.New("backend down")
	opts := connection.DefaultOptions()
	srv := startServer(t, opts, NewEngine(failingBackend{err: boom}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connection.Dial(ctx, srv.dev, srv.ctrl.Addr().String(), opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendMessage(ctx, wire.Message{Op: wire.OpGet, Key: "a"}))

	err = srv.wait(t)
	assert.ErrorIs(t, err, boom)
	assert.False(t, connection.ConnectionScoped(err))
}
