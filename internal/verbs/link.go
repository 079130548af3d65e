package verbs

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

type frameType uint8

const (
	frameConnectReq frameType = iota + 1
	frameAccept
	frameReject
	frameRTU
	frameSend
	frameWrite
	frameWriteImm
	frameAck
	frameNak
	frameDisconnect
)

func (t frameType) String() string {
	switch t {
	case frameConnectReq:
		return "CONNECT_REQ"
	case frameAccept:
		return "ACCEPT"
	case frameReject:
		return "REJECT"
	case frameRTU:
		return "RTU"
	case frameSend:
		return "SEND"
	case frameWrite:
		return "WRITE"
	case frameWriteImm:
		return "WRITE_IMM"
	case frameAck:
		return "ACK"
	case frameNak:
		return "NAK"
	case frameDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

const (
	// type(1) status(1) reserved(2) psn(4) imm(4) raddr(8) rkey(4) len(4)
	frameHeaderLen  = 28
	maxFramePayload = 1 << 20
)

var errFrameTooLarge = errors.New("frame payload too large")

type frame struct {
	typ     frameType
	status  WCStatus
	psn     uint32
	imm     uint32
	raddr   uint64
	rkey    uint32
	payload []byte
}

func writeFrame(w io.Writer, f *frame) error {
	if len(f.payload) > maxFramePayload {
		return errFrameTooLarge
	}
	var hdr [frameHeaderLen]byte
	hdr[0] = byte(f.typ)
	hdr[1] = byte(f.status)
	binary.BigEndian.PutUint32(hdr[4:8], f.psn)
	binary.BigEndian.PutUint32(hdr[8:12], f.imm)
	binary.BigEndian.PutUint64(hdr[12:20], f.raddr)
	binary.BigEndian.PutUint32(hdr[20:24], f.rkey)
	binary.BigEndian.PutUint32(hdr[24:28], uint32(len(f.payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) == 0 {
		return nil
	}
	_, err := w.Write(f.payload)
	return err
}

func readFrame(r io.Reader) (*frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[24:28])
	if n > maxFramePayload {
		return nil, errFrameTooLarge
	}
	f := &frame{
		typ:    frameType(hdr[0]),
		status: WCStatus(hdr[1]),
		psn:    binary.BigEndian.Uint32(hdr[4:8]),
		imm:    binary.BigEndian.Uint32(hdr[8:12]),
		raddr:  binary.BigEndian.Uint64(hdr[12:20]),
		rkey:   binary.BigEndian.Uint32(hdr[20:24]),
	}
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// link is the byte stream between two connected queue pairs.
type link struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex
	once    sync.Once
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn, br: bufio.NewReader(conn)}
}

func (l *link) send(f *frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return writeFrame(l.conn, f)
}

func (l *link) recv() (*frame, error) {
	return readFrame(l.br)
}

func (l *link) close() {
	l.once.Do(func() {
		_ = l.conn.Close()
	})
}
