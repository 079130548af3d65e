package verbs

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// QPState is a queue pair state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("qp_state(%d)", int(s))
	}
}

// QPCap bounds the number of outstanding work requests per queue.
type QPCap struct {
	MaxSendWR int
	MaxRecvWR int
}

// QPInitAttr describes a queue pair to create.
type QPInitAttr struct {
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue
	Cap    QPCap
}

type postedSend struct {
	wr  SendWR
	mr  *MemoryRegion
	psn uint32
}

type postedRecv struct {
	wr  RecvWR
	mr  *MemoryRegion
	dst []byte
}

// QueuePair is a reliable-connected queue pair.
type QueuePair struct {
	pd     *ProtectionDomain
	sendCQ *CompletionQueue
	recvCQ *CompletionQueue
	cap    QPCap
	num    uint32

	// sendMu orders psn allocation with frame transmission.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          QPState
	link           *link
	psn            uint32
	sends          []postedSend
	recvs          []postedRecv
	inbound        []*frame // messages waiting for a posted receive
	maxOutstanding int
	destroyed      bool
}

func newQueuePair(pd *ProtectionDomain, attr QPInitAttr) (*QueuePair, error) {
	if attr.SendCQ == nil || attr.RecvCQ == nil {
		return nil, fmt.Errorf("missing completion queue: %w", ErrQPCreation)
	}
	if attr.Cap.MaxSendWR <= 0 {
		attr.Cap.MaxSendWR = 1
	}
	if attr.Cap.MaxRecvWR <= 0 {
		attr.Cap.MaxRecvWR = 1
	}
	if err := pd.attach(0, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQPCreation, err)
	}
	attr.SendCQ.attachQP(1)
	attr.RecvCQ.attachQP(1)
	return &QueuePair{
		pd:     pd,
		sendCQ: attr.SendCQ,
		recvCQ: attr.RecvCQ,
		cap:    attr.Cap,
		num:    pd.dev.nextQPN.Add(1),
		state:  QPStateInit,
	}, nil
}

// Num returns the queue pair number.
func (qp *QueuePair) Num() uint32 { return qp.num }

// State returns the current queue pair state.
func (qp *QueuePair) State() QPState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// Outstanding returns the number of posted work requests that have not
// produced a completion yet.
func (qp *QueuePair) Outstanding() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return len(qp.sends) + len(qp.recvs)
}

// MaxOutstanding returns the highest value Outstanding has reached.
func (qp *QueuePair) MaxOutstanding() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.maxOutstanding
}

func (qp *QueuePair) trackOutstandingLocked() {
	if n := len(qp.sends) + len(qp.recvs); n > qp.maxOutstanding {
		qp.maxOutstanding = n
	}
}

// PostRecv posts a receive work request. Receives may be posted from INIT on.
func (qp *QueuePair) PostRecv(wr RecvWR) error {
	mr, dst, err := qp.pd.resolveSGE(wr.SGE)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPostRecv, err)
	}

	qp.mu.Lock()
	switch {
	case qp.destroyed || qp.state == QPStateReset:
		qp.mu.Unlock()
		return fmt.Errorf("%w: %w (%s)", ErrPostRecv, ErrInvalidQPState, qp.state)
	case qp.state == QPStateError:
		qp.mu.Unlock()
		qp.recvCQ.push(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: WCRecv, QPNum: qp.num})
		return nil
	case len(qp.recvs) >= qp.cap.MaxRecvWR:
		qp.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPostRecv, ErrQueueFull)
	}
	mr.hold()
	qp.recvs = append(qp.recvs, postedRecv{wr: wr, mr: mr, dst: dst})
	qp.trackOutstandingLocked()
	f, r, ok := qp.matchLocked()
	qp.mu.Unlock()

	if ok {
		qp.deliver(f, r)
	}
	return nil
}

// PostSend posts a send work request. The local span is read at post time.
func (qp *QueuePair) PostSend(wr SendWR) error {
	mr, src, err := qp.pd.resolveSGE(wr.SGE)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPostSend, err)
	}

	qp.sendMu.Lock()
	defer qp.sendMu.Unlock()

	qp.mu.Lock()
	switch {
	case qp.destroyed:
		qp.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPostSend, ErrInvalidQPState)
	case qp.state == QPStateError:
		qp.mu.Unlock()
		qp.sendCQ.push(WorkCompletion{WRID: wr.WRID, Status: WCWRFlushErr, Opcode: wr.Opcode.Completion(), QPNum: qp.num})
		return nil
	case qp.state != QPStateRTS:
		qp.mu.Unlock()
		return fmt.Errorf("%w: %w (%s)", ErrPostSend, ErrInvalidQPState, qp.state)
	case len(qp.sends) >= qp.cap.MaxSendWR:
		qp.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPostSend, ErrQueueFull)
	}
	psn := qp.psn
	qp.psn++
	mr.hold()
	qp.sends = append(qp.sends, postedSend{wr: wr, mr: mr, psn: psn})
	qp.trackOutstandingLocked()
	l := qp.link
	qp.mu.Unlock()

	f := &frame{psn: psn, payload: append([]byte(nil), src...)}
	switch wr.Opcode {
	case OpSend:
		f.typ = frameSend
	case OpRDMAWrite:
		f.typ, f.raddr, f.rkey = frameWrite, wr.RemoteAddr, wr.RKey
	case OpRDMAWriteWithImm:
		f.typ, f.raddr, f.rkey, f.imm = frameWriteImm, wr.RemoteAddr, wr.RKey, wr.ImmData
	default:
		qp.completeSend(psn, WCLocalQPOpErr)
		return nil
	}

	if err := l.send(f); err != nil {
		log.Debug().Err(err).Uint32("qpn", qp.num).Msg("Link write failed, moving QP to error")
		qp.fail(WCRetryExcErr)
	}
	return nil
}

// ModifyToError moves the queue pair to the ERROR state, flushing every
// outstanding work request with WCWRFlushErr.
func (qp *QueuePair) ModifyToError() {
	qp.fail(WCWRFlushErr)
}

// Destroy releases the queue pair. Outstanding work requests are dropped
// without completions.
func (qp *QueuePair) Destroy() error {
	qp.mu.Lock()
	if qp.destroyed {
		qp.mu.Unlock()
		return ErrAlreadyReleased
	}
	qp.destroyed = true
	qp.state = QPStateError
	sends, recvs := qp.sends, qp.recvs
	qp.sends, qp.recvs, qp.inbound = nil, nil, nil
	l := qp.link
	qp.mu.Unlock()

	for _, s := range sends {
		s.mr.unhold()
	}
	for _, r := range recvs {
		r.mr.unhold()
	}
	if l != nil {
		l.close()
	}
	qp.sendCQ.attachQP(-1)
	qp.recvCQ.attachQP(-1)
	qp.pd.detach(0, 1)
	return nil
}

func (qp *QueuePair) isDestroyed() bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.destroyed
}

func (qp *QueuePair) setLink(l *link) {
	qp.mu.Lock()
	qp.link = l
	qp.mu.Unlock()
}

func (qp *QueuePair) transition(from, to QPState) bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state != from {
		return false
	}
	qp.state = to
	return true
}

// fail moves the QP to ERROR. The oldest outstanding send completes with
// status; everything else is flushed.
func (qp *QueuePair) fail(status WCStatus) {
	qp.mu.Lock()
	if qp.state == QPStateError {
		qp.mu.Unlock()
		return
	}
	qp.state = QPStateError
	sends, recvs := qp.sends, qp.recvs
	qp.sends, qp.recvs, qp.inbound = nil, nil, nil
	qp.mu.Unlock()

	log.Debug().Uint32("qpn", qp.num).Int("sends", len(sends)).Int("recvs", len(recvs)).
		Str("status", status.String()).Msg("Queue pair entered error state")

	for i, s := range sends {
		st := WCWRFlushErr
		if i == 0 {
			st = status
		}
		s.mr.unhold()
		qp.sendCQ.push(WorkCompletion{WRID: s.wr.WRID, Status: st, Opcode: s.wr.Opcode.Completion(), QPNum: qp.num})
	}
	for _, r := range recvs {
		r.mr.unhold()
		qp.recvCQ.push(WorkCompletion{WRID: r.wr.WRID, Status: WCWRFlushErr, Opcode: WCRecv, QPNum: qp.num})
	}
}

func (qp *QueuePair) completeSend(psn uint32, status WCStatus) {
	qp.mu.Lock()
	if len(qp.sends) == 0 || qp.sends[0].psn != psn {
		qp.mu.Unlock()
		log.Warn().Uint32("qpn", qp.num).Uint32("psn", psn).Msg("Acknowledgement for unknown PSN")
		return
	}
	s := qp.sends[0]
	qp.sends = qp.sends[1:]
	qp.mu.Unlock()

	s.mr.unhold()
	qp.sendCQ.push(WorkCompletion{
		WRID:    s.wr.WRID,
		Status:  status,
		Opcode:  s.wr.Opcode.Completion(),
		ByteLen: s.wr.SGE.Length,
		QPNum:   qp.num,
	})
}

// handleFrame processes one inbound data-path frame and returns the
// acknowledgement to send back, if any.
func (qp *QueuePair) handleFrame(f *frame) *frame {
	switch f.typ {
	case frameAck:
		qp.completeSend(f.psn, WCSuccess)
		return nil
	case frameNak:
		qp.completeSend(f.psn, f.status)
		qp.fail(WCWRFlushErr)
		return nil
	case frameWrite:
		if !qp.placeWrite(f) {
			return &frame{typ: frameNak, psn: f.psn, status: WCRemoteAccessErr}
		}
		return &frame{typ: frameAck, psn: f.psn}
	case frameSend, frameWriteImm:
		if f.typ == frameWriteImm && !qp.placeWrite(f) {
			return &frame{typ: frameNak, psn: f.psn, status: WCRemoteAccessErr}
		}
		qp.mu.Lock()
		if qp.state != QPStateRTR && qp.state != QPStateRTS {
			qp.mu.Unlock()
			return nil
		}
		qp.inbound = append(qp.inbound, f)
		next, r, ok := qp.matchLocked()
		qp.mu.Unlock()
		if !ok {
			// Receiver not ready: the message waits for the next PostRecv.
			log.Trace().Uint32("qpn", qp.num).Uint32("psn", f.psn).Msg("No receive posted, deferring inbound message")
			return nil
		}
		qp.deliver(next, r)
		return nil
	default:
		log.Warn().Uint32("qpn", qp.num).Str("frame", f.typ.String()).Msg("Unexpected frame on data path")
		return nil
	}
}

func (qp *QueuePair) placeWrite(f *frame) bool {
	mr := qp.pd.dev.lookupRKey(f.rkey)
	if mr == nil {
		return false
	}
	dst, ok := mr.remoteSpan(qp.pd, f.raddr, uint32(len(f.payload)))
	if !ok {
		return false
	}
	copy(dst, f.payload)
	return true
}

// matchLocked pairs the oldest waiting inbound message with the oldest
// posted receive. At most one side is non-empty once it returns.
func (qp *QueuePair) matchLocked() (*frame, postedRecv, bool) {
	if len(qp.inbound) == 0 || len(qp.recvs) == 0 {
		return nil, postedRecv{}, false
	}
	f, r := qp.inbound[0], qp.recvs[0]
	qp.inbound, qp.recvs = qp.inbound[1:], qp.recvs[1:]
	return f, r, true
}

// deliver completes receive r with the contents of f. The acknowledgement
// is sent before the completion becomes visible so the sender always sees
// its send complete ahead of anything the receiver posts in response.
func (qp *QueuePair) deliver(f *frame, r postedRecv) {
	wc := WorkCompletion{WRID: r.wr.WRID, Status: WCSuccess, QPNum: qp.num, ByteLen: uint32(len(f.payload))}
	ack := &frame{typ: frameAck, psn: f.psn}
	switch f.typ {
	case frameWriteImm:
		wc.Opcode, wc.ImmData, wc.HasImm = WCRecvRDMAWithImm, f.imm, true
	default:
		wc.Opcode = WCRecv
		if len(f.payload) > len(r.dst) {
			wc.Status = WCLocalLenErr
			ack = &frame{typ: frameNak, psn: f.psn, status: WCRemoteInvalidReqErr}
		} else {
			copy(r.dst, f.payload)
		}
	}
	r.mr.unhold()
	qp.reply(ack)
	qp.recvCQ.push(wc)
	if wc.Status != WCSuccess {
		qp.fail(WCWRFlushErr)
	}
}

func (qp *QueuePair) reply(f *frame) {
	if f == nil {
		return
	}
	qp.mu.Lock()
	l := qp.link
	qp.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.send(f); err != nil {
		log.Debug().Err(err).Uint32("qpn", qp.num).Msg("Failed to send acknowledgement")
	}
}
