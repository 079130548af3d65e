package verbs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// MaxConnectPrivateData is the private data limit of a connect request.
	MaxConnectPrivateData = 56
	// MaxAcceptPrivateData is the private data limit of an accept or reject.
	MaxAcceptPrivateData = 196

	cmEventBufferSize = 64
	handshakeTimeout  = 5 * time.Second
)

// EventType is a connection manager event type.
type EventType int

const (
	EventConnectRequest EventType = iota
	EventEstablished
	EventRejected
	EventConnectError
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnectRequest:
		return "RDMA_CM_EVENT_CONNECT_REQUEST"
	case EventEstablished:
		return "RDMA_CM_EVENT_ESTABLISHED"
	case EventRejected:
		return "RDMA_CM_EVENT_REJECTED"
	case EventConnectError:
		return "RDMA_CM_EVENT_CONNECT_ERROR"
	case EventDisconnected:
		return "RDMA_CM_EVENT_DISCONNECTED"
	default:
		return fmt.Sprintf("cm_event(%d)", int(t))
	}
}

// ConnParam carries connection parameters and private data.
type ConnParam struct {
	PrivateData        []byte
	InitiatorDepth     uint8
	ResponderResources uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// CMEvent is one connection manager event. Every event returned by
// GetEvent must be acknowledged.
type CMEvent struct {
	Type EventType
	// ID is the CM id the event refers to. For a connect request it is the
	// new id created for the incoming connection.
	ID *CMID
	// Listen is the listening id for connect requests.
	Listen      *CMID
	PrivateData []byte
	Err         error

	acked atomic.Bool
}

// Ack acknowledges the event.
func (e *CMEvent) Ack() {
	e.acked.Store(true)
}

// Acked reports whether Ack has been called.
func (e *CMEvent) Acked() bool {
	return e.acked.Load()
}

// EventChannel delivers connection manager events.
type EventChannel struct {
	events chan *CMEvent
	done   chan struct{}

	mu     sync.Mutex
	ids    int
	closed bool
}

// CreateEventChannel creates a connection manager event channel.
func CreateEventChannel() *EventChannel {
	return &EventChannel{
		events: make(chan *CMEvent, cmEventBufferSize),
		done:   make(chan struct{}),
	}
}

// GetEvent blocks until the next event arrives.
func (ch *EventChannel) GetEvent(ctx context.Context) (*CMEvent, error) {
	select {
	case ev := <-ch.events:
		return ev, nil
	case <-ch.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destroy closes the channel. It fails while CM ids created on it are alive.
func (ch *EventChannel) Destroy() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrAlreadyReleased
	}
	if ch.ids > 0 {
		return fmt.Errorf("destroy event channel with %d CM ids alive: %w", ch.ids, ErrResourceBusy)
	}
	ch.closed = true
	close(ch.done)
	return nil
}

func (ch *EventChannel) post(ev *CMEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.events <- ev:
	default:
		log.Warn().Str("event", ev.Type.String()).Msg("CM event channel full, dropping event")
	}
}

// CMID is a connection manager identifier: a listening endpoint or one side
// of a connection.
type CMID struct {
	ch  *EventChannel
	dev *Device

	mu           sync.Mutex
	listener     net.Listener
	link         *link
	qp           *QueuePair
	parent       *CMID
	pending      int // listening id: requests not yet accepted or rejected
	backlog      int
	tos          int
	awaiting     bool // child id: counted in parent's pending
	established  bool
	disconnected bool
	destroyed    bool

	acceptWG sync.WaitGroup
}

// CreateID creates a CM id bound to the event channel.
func (ch *EventChannel) CreateID(dev *Device) (*CMID, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, ErrChannelClosed
	}
	ch.ids++
	return &CMID{ch: ch, dev: dev, tos: -1}, nil
}

// Device returns the device the id is associated with.
func (id *CMID) Device() *Device { return id.dev }

// QP returns the queue pair created on this id, if any.
func (id *CMID) QP() *QueuePair {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.qp
}

// LocalAddr returns the bound or connected local address.
func (id *CMID) LocalAddr() net.Addr {
	id.mu.Lock()
	defer id.mu.Unlock()
	switch {
	case id.listener != nil:
		return id.listener.Addr()
	case id.link != nil:
		return id.link.conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer address of a connected id.
func (id *CMID) RemoteAddr() net.Addr {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.link == nil {
		return nil
	}
	return id.link.conn.RemoteAddr()
}

// SetTOS sets the IP type of service used for connections on this id,
// like RDMA_OPTION_ID_TOS.
func (id *CMID) SetTOS(tos uint8) error {
	id.mu.Lock()
	id.tos = int(tos)
	l := id.link
	id.mu.Unlock()
	if l != nil {
		return setTOS(l.conn, int(tos))
	}
	return nil
}

func setTOS(c net.Conn, tos int) error {
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok && addr.IP.To4() == nil {
		return ipv6.NewConn(c).SetTrafficClass(tos)
	}
	return ipv4.NewConn(c).SetTOS(tos)
}

func (id *CMID) applyTOS(c net.Conn) {
	id.mu.Lock()
	tos := id.tos
	id.mu.Unlock()
	if tos < 0 {
		return
	}
	if err := setTOS(c, tos); err != nil {
		log.Warn().Err(err).Int("tos", tos).Msg("Failed to set traffic class")
	}
}

// Bind binds the id to a local address.
func (id *CMID) Bind(addr string) error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.destroyed {
		return ErrAlreadyReleased
	}
	if id.listener != nil {
		return fmt.Errorf("bind %s: already bound to %s", addr, id.listener.Addr())
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	id.listener = lis
	return nil
}

// Listen starts accepting connect requests. At most backlog requests may
// wait for Accept or Reject; further requests are rejected.
func (id *CMID) Listen(backlog int) error {
	id.mu.Lock()
	if id.listener == nil {
		id.mu.Unlock()
		return errors.New("listen: id is not bound")
	}
	if backlog <= 0 {
		backlog = 1
	}
	id.backlog = backlog
	lis := id.listener
	id.mu.Unlock()

	id.acceptWG.Add(1)
	go id.acceptLoop(lis)
	log.Debug().Str("addr", lis.Addr().String()).Int("backlog", backlog).Msg("CM id listening")
	return nil
}

func (id *CMID) acceptLoop(lis net.Listener) {
	defer id.acceptWG.Done()
	for {
		c, err := lis.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("Listener accept failed")
			}
			return
		}
		go id.handleIncoming(c)
	}
}

func (id *CMID) handleIncoming(c net.Conn) {
	l := newLink(c)
	_ = c.SetReadDeadline(time.Now().Add(handshakeTimeout))
	f, err := l.recv()
	if err != nil || f.typ != frameConnectReq {
		log.Debug().Err(err).Str("peer", c.RemoteAddr().String()).Msg("Dropping connection without connect request")
		l.close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	id.mu.Lock()
	if id.destroyed || id.pending >= id.backlog {
		pending := id.pending
		id.mu.Unlock()
		log.Debug().Str("peer", c.RemoteAddr().String()).Int("pending", pending).Msg("Accept queue full, rejecting")
		_ = l.send(&frame{typ: frameReject})
		l.close()
		return
	}
	id.pending++
	id.mu.Unlock()

	child, err := id.ch.CreateID(id.dev)
	if err != nil {
		id.releasePending()
		l.close()
		return
	}
	child.parent = id
	child.link = l
	child.awaiting = true
	child.tos = id.tos
	id.applyTOS(c)

	id.ch.post(&CMEvent{Type: EventConnectRequest, ID: child, Listen: id, PrivateData: f.payload})
}

func (id *CMID) releasePending() {
	id.mu.Lock()
	if id.pending > 0 {
		id.pending--
	}
	id.mu.Unlock()
}

// leaveAcceptQueue drops a child id from its parent's pending count once.
func (id *CMID) leaveAcceptQueue() {
	id.mu.Lock()
	was := id.awaiting
	id.awaiting = false
	parent := id.parent
	id.mu.Unlock()
	if was && parent != nil {
		parent.releasePending()
	}
}

// CreateQP creates the queue pair used by this id.
func (id *CMID) CreateQP(pd *ProtectionDomain, attr QPInitAttr) (*QueuePair, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.destroyed {
		return nil, ErrAlreadyReleased
	}
	if id.qp != nil {
		return nil, fmt.Errorf("%w: id already has queue pair %d", ErrQPCreation, id.qp.num)
	}
	qp, err := newQueuePair(pd, attr)
	if err != nil {
		return nil, err
	}
	if id.link != nil {
		qp.setLink(id.link)
	}
	id.qp = qp
	return qp, nil
}

// Accept accepts a connect request received on a listening id. The
// ESTABLISHED event follows once the peer confirms.
func (id *CMID) Accept(param ConnParam) error {
	if len(param.PrivateData) > MaxAcceptPrivateData {
		return ErrPrivateDataTooLong
	}
	id.mu.Lock()
	l, qp := id.link, id.qp
	id.mu.Unlock()
	if l == nil || !id.isAwaiting() {
		return fmt.Errorf("accept: %w", ErrNotConnected)
	}
	if qp == nil {
		return errors.New("accept: no queue pair")
	}
	if !qp.transition(QPStateInit, QPStateRTR) {
		return fmt.Errorf("accept: %w (%s)", ErrInvalidQPState, qp.State())
	}
	if err := l.send(&frame{typ: frameAccept, payload: param.PrivateData}); err != nil {
		qp.ModifyToError()
		return fmt.Errorf("accept: %w", err)
	}
	id.leaveAcceptQueue()
	go id.readLoop(l, qp)
	return nil
}

func (id *CMID) isAwaiting() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.awaiting
}

// Reject refuses a connect request.
func (id *CMID) Reject(privateData []byte) error {
	if len(privateData) > MaxAcceptPrivateData {
		return ErrPrivateDataTooLong
	}
	id.mu.Lock()
	l := id.link
	id.mu.Unlock()
	if l == nil || !id.isAwaiting() {
		return fmt.Errorf("reject: %w", ErrNotConnected)
	}
	err := l.send(&frame{typ: frameReject, payload: privateData})
	l.close()
	id.leaveAcceptQueue()
	return err
}

// Connect starts an active connection to addr. The outcome is reported as
// an ESTABLISHED, REJECTED or CONNECT_ERROR event.
func (id *CMID) Connect(ctx context.Context, addr string, param ConnParam) error {
	if len(param.PrivateData) > MaxConnectPrivateData {
		return ErrPrivateDataTooLong
	}
	id.mu.Lock()
	qp, existing := id.qp, id.link
	id.mu.Unlock()
	if qp == nil {
		return errors.New("connect: no queue pair")
	}
	if existing != nil {
		return errors.New("connect: already connected")
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	id.applyTOS(c)
	l := newLink(c)
	if err := l.send(&frame{typ: frameConnectReq, payload: param.PrivateData}); err != nil {
		l.close()
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	id.mu.Lock()
	id.link = l
	id.mu.Unlock()
	qp.setLink(l)

	go id.activeHandshake(l, qp)
	return nil
}

func (id *CMID) activeHandshake(l *link, qp *QueuePair) {
	_ = l.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	f, err := l.recv()
	_ = l.conn.SetReadDeadline(time.Time{})
	switch {
	case err != nil:
		l.close()
		qp.ModifyToError()
		id.ch.post(&CMEvent{Type: EventConnectError, ID: id, Err: err})
		return
	case f.typ == frameReject:
		l.close()
		qp.ModifyToError()
		id.ch.post(&CMEvent{Type: EventRejected, ID: id, PrivateData: f.payload})
		return
	case f.typ != frameAccept:
		l.close()
		qp.ModifyToError()
		id.ch.post(&CMEvent{Type: EventConnectError, ID: id, Err: fmt.Errorf("unexpected %s during handshake", f.typ)})
		return
	}

	qp.transition(QPStateInit, QPStateRTS)
	if err := l.send(&frame{typ: frameRTU}); err != nil {
		l.close()
		qp.ModifyToError()
		id.ch.post(&CMEvent{Type: EventConnectError, ID: id, Err: err})
		return
	}
	id.markEstablished()
	id.ch.post(&CMEvent{Type: EventEstablished, ID: id, PrivateData: f.payload})
	id.readLoop(l, qp)
}

func (id *CMID) markEstablished() {
	id.mu.Lock()
	id.established = true
	id.mu.Unlock()
}

// readLoop runs the data path until the link goes down.
func (id *CMID) readLoop(l *link, qp *QueuePair) {
	for {
		f, err := l.recv()
		if err != nil {
			log.Trace().Err(err).Uint32("qpn", qp.num).Msg("Link closed")
			break
		}
		if f.typ == frameDisconnect {
			log.Debug().Uint32("qpn", qp.num).Msg("Peer disconnected")
			break
		}
		if f.typ == frameRTU {
			if qp.transition(QPStateRTR, QPStateRTS) {
				id.markEstablished()
				id.ch.post(&CMEvent{Type: EventEstablished, ID: id})
			}
			continue
		}
		qp.reply(qp.handleFrame(f))
	}
	l.close()
	qp.ModifyToError()
	id.linkDown()
}

func (id *CMID) linkDown() {
	id.mu.Lock()
	established := id.established
	already := id.disconnected
	id.disconnected = true
	id.mu.Unlock()
	if already {
		return
	}
	if established {
		id.ch.post(&CMEvent{Type: EventDisconnected, ID: id})
		return
	}
	id.ch.post(&CMEvent{Type: EventConnectError, ID: id, Err: ErrNotConnected})
}

// Disconnect tears the connection down. Both sides receive a DISCONNECTED
// event and every outstanding work request is flushed.
func (id *CMID) Disconnect() error {
	id.mu.Lock()
	l, qp := id.link, id.qp
	id.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	_ = l.send(&frame{typ: frameDisconnect})
	l.close()
	if qp != nil {
		qp.ModifyToError()
	}
	return nil
}

// Destroy releases the id. Its queue pair must be destroyed first.
func (id *CMID) Destroy() error {
	id.mu.Lock()
	if id.destroyed {
		id.mu.Unlock()
		return ErrAlreadyReleased
	}
	if id.qp != nil && !id.qp.isDestroyed() {
		id.mu.Unlock()
		return fmt.Errorf("destroy CM id with live queue pair %d: %w", id.qp.num, ErrResourceBusy)
	}
	id.destroyed = true
	lis, l := id.listener, id.link
	id.mu.Unlock()

	if lis != nil {
		_ = lis.Close()
		id.acceptWG.Wait()
	}
	if l != nil {
		l.close()
	}
	id.leaveAcceptQueue()

	id.ch.mu.Lock()
	id.ch.ids--
	id.ch.mu.Unlock()
	return nil
}
