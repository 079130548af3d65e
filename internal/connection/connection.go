// Package connection owns the per-connection RDMA resources and drives the
// connection lifecycle on both the responder and the initiator side.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/memory"
	"github.com/yuuki/rdmakv/internal/verbs"
	"github.com/yuuki/rdmakv/internal/wire"
)

// Role tells which side of the connection this end is.
type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Connection owns everything one RDMA connection needs: the CM id, its
// protection domain, completion queue and queue pair, and one reused
// registered buffer for each direction.
type Connection struct {
	id   uuid.UUID
	role Role
	opts Options
	log  zerolog.Logger

	cmID   *verbs.CMID
	events *verbs.EventChannel // set only when the connection owns the channel
	pd     *verbs.ProtectionDomain
	compCh *verbs.CompletionChannel
	cq     *verbs.CompletionQueue
	qp     *verbs.QueuePair
	waiter *completion.Waiter

	recv  *memory.Region
	send  *memory.Region
	local wire.PeerDescriptor
	peer  wire.PeerDescriptor

	wrSeq      uint64
	recvHandle *completion.Handle

	mu       sync.Mutex
	torndown bool
}

// newConnection allocates the protection domain, completion queue and queue
// pair for cmID. On failure everything allocated here is released and cmID
// stays with the caller.
func newConnection(cmID *verbs.CMID, opts Options, role Role) (*Connection, error) {
	c := &Connection{id: uuid.New(), role: role, opts: opts}
	c.log = log.With().Str("conn_id", c.id.String()).Str("role", role.String()).Logger()

	fail := func(op string, err error) (*Connection, error) {
		c.releaseVerbs()
		return nil, c.errorf(KindConnectionManager, op, err)
	}

	dev := cmID.Device()
	pd, err := dev.AllocPD()
	if err != nil {
		return fail("alloc_pd", err)
	}
	c.pd = pd

	var events completion.EventSource
	if opts.Wait == completion.ModeEvent {
		ch, err := dev.CreateCompChannel()
		if err != nil {
			return fail("create_comp_channel", err)
		}
		c.compCh = ch
		events = ch
	}

	cq, err := dev.CreateCQ(opts.CQDepth, c.compCh)
	if err != nil {
		return fail("create_cq", err)
	}
	c.cq = cq

	qp, err := cmID.CreateQP(pd, verbs.QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		Cap:    verbs.QPCap{MaxSendWR: 1, MaxRecvWR: 1},
	})
	if err != nil {
		return fail("create_qp", err)
	}
	c.qp = qp
	c.cmID = cmID

	c.waiter = completion.NewWaiter(cq, completion.Config{
		Mode:         opts.Wait,
		PollInterval: opts.PollInterval,
		Events:       events,
	})

	c.log.Debug().Uint32("qpn", qp.Num()).Str("wait_mode", c.waiter.Mode().String()).Msg("Created queue pair")
	return c, nil
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id.String() }

// Role returns the side this end plays.
func (c *Connection) Role() Role { return c.role }

// ProtectionDomain returns the connection's protection domain.
func (c *Connection) ProtectionDomain() *verbs.ProtectionDomain { return c.pd }

// LocalDescriptor returns the descriptor of the local receive buffer as
// advertised to the peer.
func (c *Connection) LocalDescriptor() wire.PeerDescriptor { return c.local }

// PeerDescriptor returns the descriptor the peer advertised.
func (c *Connection) PeerDescriptor() wire.PeerDescriptor { return c.peer }

// RecvRegion returns the reused receive buffer.
func (c *Connection) RecvRegion() *memory.Region { return c.recv }

// SendRegion returns the reused send buffer.
func (c *Connection) SendRegion() *memory.Region { return c.send }

// Waiter returns the completion waiter of the connection.
func (c *Connection) Waiter() *completion.Waiter { return c.waiter }

// QP returns the queue pair.
func (c *Connection) QP() *verbs.QueuePair { return c.qp }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	if c.cmID == nil {
		return nil
	}
	return c.cmID.RemoteAddr()
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zerolog.Logger { return &c.log }

// registerBuffers registers the receive buffer, advertised to the peer with
// remote read and write access, and the local-only send buffer.
func (c *Connection) registerBuffers() error {
	recv, err := memory.Register(c, c.opts.BufferSize, verbs.AccessRemoteRead|verbs.AccessRemoteWrite)
	if err != nil {
		return c.errorf(KindRegistration, "register_recv", err)
	}
	c.recv = recv

	send, err := memory.Register(c, c.opts.BufferSize, 0)
	if err != nil {
		return c.errorf(KindRegistration, "register_send", err)
	}
	c.send = send

	local, err := recv.Descriptor()
	if err != nil {
		return c.errorf(KindRegistration, "describe_recv", err)
	}
	c.local = local
	return nil
}

func (c *Connection) setPeer(privateData []byte) error {
	peer, err := wire.DecodePeerDescriptor(privateData)
	if err != nil {
		return c.errorf(KindProtocol, "decode_private_data", err)
	}
	c.peer = peer
	c.log.Debug().Str("peer_buffer", peer.String()).Msg("Recorded peer memory descriptor")
	return nil
}

func (c *Connection) nextWRID() uint64 {
	c.wrSeq++
	return c.wrSeq
}

// PostRecv posts the receive buffer. It fails if any work request is
// already outstanding on the connection.
func (c *Connection) PostRecv() error {
	opcode := verbs.WCRecv
	if c.opts.Transfer == TransferWriteImm {
		opcode = verbs.WCRecvRDMAWithImm
	}
	h := completion.Handle{WRID: c.nextWRID(), Opcode: opcode}
	if err := c.waiter.Begin(h); err != nil {
		return c.errorf(KindProtocol, "post_recv", err)
	}
	sge, err := c.recv.SGE(c.recv.Len())
	if err != nil {
		c.waiter.Cancel(h)
		return c.errorf(KindRegistration, "post_recv", err)
	}
	if err := c.qp.PostRecv(verbs.RecvWR{WRID: h.WRID, SGE: sge}); err != nil {
		c.waiter.Cancel(h)
		return c.errorf(KindCompletion, "post_recv", err)
	}
	c.recvHandle = &h
	c.log.Trace().Uint64("wr_id", h.WRID).Msg("Posted receive")
	return nil
}

// AwaitMessage waits for the posted receive to complete and decodes the
// message. The receive buffer is zeroed once decoded.
func (c *Connection) AwaitMessage(ctx context.Context) (wire.Message, error) {
	if c.recvHandle == nil {
		return wire.Message{}, c.errorf(KindProtocol, "await_recv", completion.ErrNothingOutstanding)
	}
	h := *c.recvHandle
	wc, err := c.waiter.Await(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Message{}, ctx.Err()
		}
		c.recvHandle = nil
		return wire.Message{}, c.completionError("await_recv", err)
	}
	c.recvHandle = nil

	if wc.ByteLen < wire.MessageSize {
		return wire.Message{}, c.errorf(KindProtocol, "decode",
			fmt.Errorf("received %d bytes: %w", wc.ByteLen, wire.ErrShortMessage))
	}
	msg, err := wire.Decode(c.recv.Bytes())
	if err != nil {
		return wire.Message{}, c.errorf(KindProtocol, "decode", err)
	}
	c.recv.Clear()
	return msg, nil
}

// SendMessage copies msg into the send buffer, posts it and waits for its
// completion.
func (c *Connection) SendMessage(ctx context.Context, msg wire.Message) error {
	buf := c.send.Bytes()
	if err := msg.Encode(buf); err != nil {
		return c.errorf(KindProtocol, "encode", err)
	}
	sge, err := c.send.SGE(wire.MessageSize)
	if err != nil {
		return c.errorf(KindRegistration, "post_send", err)
	}

	wr := verbs.SendWR{WRID: c.nextWRID(), Opcode: verbs.OpSend, SGE: sge}
	if c.opts.Transfer == TransferWriteImm {
		if c.peer.IsZero() {
			return c.errorf(KindProtocol, "post_send", ErrNoPeerBuffer)
		}
		wr.Opcode = verbs.OpRDMAWriteWithImm
		wr.RemoteAddr = c.peer.Addr
		wr.RKey = c.peer.RKey
		wr.ImmData = wire.MessageSize
	}

	h := completion.Handle{WRID: wr.WRID, Opcode: wr.Opcode.Completion()}
	if err := c.waiter.Begin(h); err != nil {
		return c.errorf(KindProtocol, "post_send", err)
	}
	if err := c.qp.PostSend(wr); err != nil {
		c.waiter.Cancel(h)
		return c.errorf(KindCompletion, "post_send", err)
	}
	c.log.Trace().Uint64("wr_id", wr.WRID).Str("opcode", wr.Opcode.String()).Msg("Posted send")

	if _, err := c.waiter.Await(ctx, h); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.completionError("await_send", err)
	}
	return nil
}

// Rearm zeroes the send buffer and posts the next receive. The receive
// buffer was zeroed by AwaitMessage and may already hold the peer's next
// write, so it is left alone.
func (c *Connection) Rearm() error {
	c.send.Clear()
	return c.PostRecv()
}

// ClearBuffers zeroes both buffers.
func (c *Connection) ClearBuffers() {
	c.recv.Clear()
	c.send.Clear()
}

func (c *Connection) completionError(op string, err error) error {
	if IsFlushed(err) {
		return c.errorf(KindCompletion, op, fmt.Errorf("%w: %w", ErrDisconnected, err))
	}
	return c.errorf(KindCompletion, op, err)
}

// Disconnect starts an orderly disconnect. Outstanding work requests on
// both sides are flushed.
func (c *Connection) Disconnect() error {
	if c.cmID == nil {
		return nil
	}
	if err := c.cmID.Disconnect(); err != nil && !errors.Is(err, verbs.ErrNotConnected) {
		return c.errorf(KindConnectionManager, "disconnect", err)
	}
	return nil
}

// Close disconnects and releases every resource.
func (c *Connection) Close() error {
	derr := c.Disconnect()
	return errors.Join(derr, c.Teardown())
}

// Teardown releases the connection's resources in a fixed order: memory
// regions, queue pair, completion queue, completion channel, protection
// domain, CM id and, when owned, the event channel. Resources that were
// never created are skipped. Once every step has succeeded a further call
// does nothing; after a failure the next call retries what is still held.
func (c *Connection) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torndown {
		return nil
	}

	// Flush posted requests so no region is still referenced.
	if c.qp != nil {
		c.qp.ModifyToError()
	}

	var errs []error
	errs = append(errs, c.recv.Deregister(), c.send.Deregister())
	errs = append(errs, c.releaseVerbs())
	if c.cmID != nil {
		errs = append(errs, released(c.cmID.Destroy()))
	}
	if c.events != nil {
		errs = append(errs, released(c.events.Destroy()))
	}
	err := errors.Join(errs...)
	if err != nil {
		c.log.Error().Err(err).Msg("Connection teardown incomplete")
		return err
	}
	c.torndown = true
	c.log.Debug().Msg("Connection resources released")
	return nil
}

// releaseVerbs destroys the queue pair, completion queue, completion
// channel and protection domain, in that order.
func (c *Connection) releaseVerbs() error {
	var errs []error
	if c.qp != nil {
		errs = append(errs, released(c.qp.Destroy()))
	}
	if c.cq != nil {
		errs = append(errs, released(c.cq.Destroy()))
	}
	if c.compCh != nil {
		errs = append(errs, released(c.compCh.Destroy()))
	}
	if c.pd != nil {
		errs = append(errs, released(c.pd.Dealloc()))
	}
	return errors.Join(errs...)
}

func released(err error) error {
	if errors.Is(err, verbs.ErrAlreadyReleased) {
		return nil
	}
	return err
}
