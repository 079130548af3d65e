// Package exchange runs the request/response loop of an established
// connection against a storage backend.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yuuki/rdmakv/internal/connection"
	"github.com/yuuki/rdmakv/internal/storage"
	"github.com/yuuki/rdmakv/internal/telemetry"
	"github.com/yuuki/rdmakv/internal/wire"
)

// Engine answers PUT and GET requests from a backend. It implements
// connection.Handler.
type Engine struct {
	backend storage.Backend
	metrics *telemetry.Metrics
}

// NewEngine returns an engine backed by backend. metrics may be nil.
func NewEngine(backend storage.Backend, metrics *telemetry.Metrics) *Engine {
	return &Engine{backend: backend, metrics: metrics}
}

// Serve runs the message loop until the connection fails or the peer
// disconnects. The receive posted at accept time is the first one awaited;
// after each response completes both buffers are cleared and the receive is
// posted again.
func (e *Engine) Serve(ctx context.Context, conn *connection.Connection) error {
	logger := conn.Logger()
	for {
		req, err := conn.AwaitMessage(ctx)
		if err != nil {
			return e.fail(ctx, err)
		}
		start := time.Now()

		resp, err := e.Handle(ctx, req)
		if err != nil {
			if errors.Is(err, connection.ErrUnsupportedOperation) {
				logger.Warn().Uint32("op", uint32(req.Op)).Msg("Unsupported operation")
				return conn.Fail(connection.KindProtocol, "dispatch", err)
			}
			return err
		}

		if err := conn.SendMessage(ctx, resp); err != nil {
			return e.fail(ctx, err)
		}
		e.metrics.RecordLatency(ctx, time.Since(start), req.Op.String())
		logger.Trace().
			Str("op", req.Op.String()).
			Str("key", req.Key).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")

		if err := conn.Rearm(); err != nil {
			return err
		}
	}
}

func (e *Engine) fail(ctx context.Context, err error) error {
	if connection.KindOf(err) == connection.KindCompletion && !errors.Is(err, connection.ErrDisconnected) {
		e.metrics.RecordCompletionError(ctx)
	}
	return err
}

// Handle computes the response to one request. A PUT is acknowledged with
// its key and value joined by a space; a GET returns the stored value or
// wire.NotFoundValue. Any other operation fails with
// connection.ErrUnsupportedOperation.
func (e *Engine) Handle(ctx context.Context, req wire.Message) (wire.Message, error) {
	switch req.Op {
	case wire.OpPut:
		e.metrics.RecordRequest(ctx, req.Op.String())
		if err := e.backend.Put(ctx, req.Key, req.Value); err != nil {
			return wire.Message{}, fmt.Errorf("storage put: %w", err)
		}
		return wire.Message{
			Op:    wire.OpPut,
			Key:   req.Key,
			Value: wire.Truncate(req.Key + " " + req.Value),
		}, nil

	case wire.OpGet:
		e.metrics.RecordRequest(ctx, req.Op.String())
		value, ok, err := e.backend.Get(ctx, req.Key)
		if err != nil {
			return wire.Message{}, fmt.Errorf("storage get: %w", err)
		}
		if !ok {
			e.metrics.RecordMiss(ctx)
			value = wire.NotFoundValue
		}
		return wire.Message{Op: wire.OpGet, Key: req.Key, Value: value}, nil

	default:
		return wire.Message{}, fmt.Errorf("%w: tag %d", connection.ErrUnsupportedOperation, uint32(req.Op))
	}
}
