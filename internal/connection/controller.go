package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/verbs"
)

// Handler runs the message loop of an established connection. It returns
// when the connection ends; a flushed completion signals a disconnect.
type Handler interface {
	Serve(ctx context.Context, conn *Connection) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Connection) error

func (f HandlerFunc) Serve(ctx context.Context, conn *Connection) error {
	return f(ctx, conn)
}

var ErrNotListening = errors.New("controller is not listening")

// Controller is the responder side. It owns the CM event channel and the
// listening id, and serves one connection at a time from the goroutine that
// calls Serve.
type Controller struct {
	dev     *verbs.Device
	opts    Options
	handler Handler

	events   *verbs.EventChannel
	listenID *verbs.CMID

	state  atomic.Int32
	served atomic.Int64

	mu     sync.Mutex
	active *Connection
	closed bool
}

// NewController creates a controller that hands established connections
// to handler.
func NewController(dev *verbs.Device, opts Options, handler Handler) *Controller {
	return &Controller{dev: dev, opts: opts.withDefaults(), handler: handler}
}

// Listen binds addr and starts accepting connect requests.
func (c *Controller) Listen(addr string) error {
	events := verbs.CreateEventChannel()
	id, err := events.CreateID(c.dev)
	if err != nil {
		_ = events.Destroy()
		return NewError(KindConnectionManager, "create_id", err)
	}
	cleanup := func() {
		_ = id.Destroy()
		_ = events.Destroy()
	}
	if c.opts.TOS >= 0 {
		if err := id.SetTOS(uint8(c.opts.TOS)); err != nil {
			cleanup()
			return NewError(KindConnectionManager, "set_tos", err)
		}
	}
	if err := id.Bind(addr); err != nil {
		cleanup()
		return NewError(KindConnectionManager, "bind_addr", err)
	}
	if err := id.Listen(c.opts.Backlog); err != nil {
		cleanup()
		return NewError(KindConnectionManager, "listen", err)
	}
	c.events, c.listenID = events, id
	c.setState(StateListening)
	log.Info().
		Str("addr", id.LocalAddr().String()).
		Str("device", c.dev.Name()).
		Str("transfer_mode", c.opts.Transfer.String()).
		Msg("Listening for connections")
	return nil
}

// Addr returns the listening address.
func (c *Controller) Addr() net.Addr {
	if c.listenID == nil {
		return nil
	}
	return c.listenID.LocalAddr()
}

// State returns the lifecycle state of the current connection.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Served returns the number of connections that have terminated.
func (c *Controller) Served() int {
	return int(c.served.Load())
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Connection state transition")
	}
}

// Serve processes CM events until ctx ends, a controller-wide failure
// occurs, a connection fails, or MaxConnections connections have been
// served. A connection-scoped error leaves the controller listening, so the
// caller may call Serve again.
func (c *Controller) Serve(ctx context.Context) error {
	if c.events == nil {
		return ErrNotListening
	}
	for {
		ev, err := c.events.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return NewError(KindConnectionManager, "get_cm_event", err)
		}
		err = c.handleEvent(ctx, ev)
		ev.Ack()
		if err != nil {
			return err
		}
		if limit := c.opts.MaxConnections; limit > 0 && c.Served() >= limit {
			log.Info().Int("served", c.Served()).Msg("Connection limit reached")
			return nil
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev *verbs.CMEvent) error {
	log.Debug().Str("event", ev.Type.String()).Msg("CM event")
	switch ev.Type {
	case verbs.EventConnectRequest:
		return c.onConnectRequest(ev)
	case verbs.EventEstablished:
		return c.onEstablished(ctx, ev)
	case verbs.EventDisconnected:
		return c.onDisconnected(ev)
	case verbs.EventConnectError, verbs.EventRejected:
		return c.onConnectError(ev)
	default:
		log.Warn().Str("event", ev.Type.String()).Msg("Ignoring unexpected CM event")
		return nil
	}
}

func (c *Controller) activeConn() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) setActive(conn *Connection) {
	c.mu.Lock()
	c.active = conn
	c.mu.Unlock()
}

func (c *Controller) onConnectRequest(ev *verbs.CMEvent) error {
	child := ev.ID
	if c.activeConn() != nil {
		log.Warn().Str("peer", addrString(child.RemoteAddr())).Msg("Rejecting connect request, a connection is already active")
		_ = child.Reject(nil)
		_ = child.Destroy()
		return nil
	}
	c.setState(StateConnectRequested)

	conn, err := newConnection(child, c.opts, RoleResponder)
	if err != nil {
		_ = child.Reject(nil)
		_ = child.Destroy()
		c.setState(StateListening)
		return err
	}
	conn.log.Info().Str("peer", addrString(child.RemoteAddr())).Msg("Connect request")
	c.setState(StateQueuePairReady)

	abort := func(err error) error {
		_ = child.Reject(nil)
		_ = conn.Teardown()
		c.setState(StateListening)
		return err
	}

	if err := conn.registerBuffers(); err != nil {
		return abort(err)
	}
	// The receive is posted before accepting so the first request cannot
	// arrive without a buffer to land in.
	if err := conn.PostRecv(); err != nil {
		return abort(err)
	}
	c.setState(StateMemoryRegistered)

	if err := conn.setPeer(ev.PrivateData); err != nil {
		return abort(err)
	}

	err = child.Accept(verbs.ConnParam{
		PrivateData:        conn.local.Encode(),
		InitiatorDepth:     c.opts.InitiatorDepth,
		ResponderResources: c.opts.ResponderResources,
		RetryCount:         c.opts.RetryCount,
	})
	if err != nil {
		_ = conn.Teardown()
		c.setState(StateListening)
		return conn.errorf(KindConnectionManager, "accept", err)
	}
	c.setActive(conn)
	c.setState(StateAccepted)
	conn.log.Debug().Str("local_buffer", conn.local.String()).Msg("Accepted connection")
	return nil
}

func (c *Controller) onEstablished(ctx context.Context, ev *verbs.CMEvent) error {
	conn := c.activeConn()
	if conn == nil || conn.cmID != ev.ID {
		log.Warn().Msg("ESTABLISHED for unknown connection")
		return nil
	}
	c.setState(StateEstablished)
	conn.log.Info().Str("peer", addrString(conn.RemoteAddr())).Msg("Connection established")

	c.setState(StateMessageLoop)
	err := c.handler.Serve(ctx, conn)

	c.setState(StateDisconnecting)
	err = c.settle(ctx, conn, err)
	c.terminate(conn)
	return err
}

// settle decides how a finished message loop ended. A flushed completion
// followed by the peer's DISCONNECTED event is a normal disconnect.
func (c *Controller) settle(ctx context.Context, conn *Connection, err error) error {
	switch {
	case err == nil:
		_ = conn.Disconnect()
		return nil
	case ctx.Err() != nil:
		_ = conn.Disconnect()
		return ctx.Err()
	case !errors.Is(err, ErrDisconnected):
		conn.log.Error().Err(err).Msg("Connection failed")
		_ = conn.Disconnect()
		return err
	}

	graceCtx, cancel := context.WithTimeout(ctx, c.opts.DisconnectGrace)
	defer cancel()
	for {
		ev, gerr := c.events.GetEvent(graceCtx)
		if gerr != nil {
			conn.log.Error().Err(err).Msg("Requests flushed without a disconnect event")
			return err
		}
		if ev.Type == verbs.EventDisconnected && ev.ID == conn.cmID {
			ev.Ack()
			conn.log.Info().Msg("Peer disconnected")
			return nil
		}
		herr := c.handleEvent(ctx, ev)
		ev.Ack()
		if herr != nil {
			return herr
		}
	}
}

func (c *Controller) terminate(conn *Connection) {
	_ = conn.Teardown()
	c.setActive(nil)
	c.served.Add(1)
	c.setState(StateTerminated)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.setState(StateListening)
	}
}

func (c *Controller) onDisconnected(ev *verbs.CMEvent) error {
	conn := c.activeConn()
	if conn == nil || conn.cmID != ev.ID {
		log.Debug().Msg("DISCONNECTED for a connection that is already gone")
		return nil
	}
	// Disconnected before the message loop started.
	conn.log.Info().Msg("Peer disconnected before establishment")
	c.setState(StateDisconnecting)
	c.terminate(conn)
	return nil
}

func (c *Controller) onConnectError(ev *verbs.CMEvent) error {
	conn := c.activeConn()
	if conn == nil || conn.cmID != ev.ID {
		log.Debug().Str("event", ev.Type.String()).Msg("Connect error for unknown connection")
		return nil
	}
	cause := ev.Err
	if cause == nil {
		cause = errors.New(ev.Type.String())
	}
	c.setState(StateDisconnecting)
	c.terminate(conn)
	return conn.errorf(KindConnectionManager, "establish", cause)
}

// Close tears down any active connection, then the listening id and the
// event channel. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.active
	c.active = nil
	c.mu.Unlock()

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if c.listenID != nil {
		errs = append(errs, released(c.listenID.Destroy()))
	}
	if c.events != nil {
		errs = append(errs, released(c.events.Destroy()))
	}
	c.setState(StateTerminated)
	return errors.Join(errs...)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
