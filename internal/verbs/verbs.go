// Package verbs implements a software RDMA device.
//
// It provides protection domains, memory regions, completion queues and
// reliable-connected queue pairs whose link runs over a TCP stream, plus a
// connection manager shaped after rdma_cm (event channel, CM ids, private
// data on connect and accept). Work requests, completions, keys and error
// statuses follow libibverbs semantics closely enough that code written
// against this package maps one-to-one onto the real verbs calls.
package verbs

import (
	"errors"
	"fmt"
	"strings"
)

// Verbs errors.
var (
	ErrDeviceClosed       = errors.New("device closed")
	ErrResourceBusy       = errors.New("resource busy")
	ErrAlreadyReleased    = errors.New("resource already released")
	ErrInvalidPD          = errors.New("invalid protection domain")
	ErrMRCreation         = errors.New("failed to create memory region")
	ErrCQCreation         = errors.New("failed to create completion queue")
	ErrQPCreation         = errors.New("failed to create queue pair")
	ErrPostSend           = errors.New("failed to post send request")
	ErrPostRecv           = errors.New("failed to post receive request")
	ErrPollCQ             = errors.New("failed to poll completion queue")
	ErrCQOverrun          = errors.New("completion queue overrun")
	ErrQueueFull          = errors.New("work queue full")
	ErrInvalidSGE         = errors.New("invalid scatter/gather element")
	ErrInvalidQPState     = errors.New("invalid queue pair state")
	ErrChannelClosed      = errors.New("channel closed")
	ErrPrivateDataTooLong = errors.New("private data too long")
	ErrNotConnected       = errors.New("not connected")
)

// AccessFlags are memory region access permissions.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

func (a AccessFlags) String() string {
	if a == 0 {
		return "NONE"
	}
	var parts []string
	if a&AccessLocalWrite != 0 {
		parts = append(parts, "LOCAL_WRITE")
	}
	if a&AccessRemoteWrite != 0 {
		parts = append(parts, "REMOTE_WRITE")
	}
	if a&AccessRemoteRead != 0 {
		parts = append(parts, "REMOTE_READ")
	}
	return strings.Join(parts, "|")
}

// Remote reports whether any remote access is granted.
func (a AccessFlags) Remote() bool {
	return a&(AccessRemoteRead|AccessRemoteWrite) != 0
}

// Opcode is a send work request opcode.
type Opcode int

const (
	OpSend Opcode = iota
	OpRDMAWrite
	OpRDMAWriteWithImm
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "SEND"
	case OpRDMAWrite:
		return "RDMA_WRITE"
	case OpRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// Completion returns the completion opcode reported for a send of this kind.
func (o Opcode) Completion() WCOpcode {
	if o == OpSend {
		return WCSend
	}
	return WCRDMAWrite
}

// WCOpcode is a work completion opcode.
type WCOpcode int

const (
	WCSend WCOpcode = iota
	WCRDMAWrite
	WCRecv
	WCRecvRDMAWithImm
)

func (o WCOpcode) String() string {
	switch o {
	case WCSend:
		return "SEND"
	case WCRDMAWrite:
		return "RDMA_WRITE"
	case WCRecv:
		return "RECV"
	case WCRecvRDMAWithImm:
		return "RECV_RDMA_WITH_IMM"
	default:
		return fmt.Sprintf("wc_opcode(%d)", int(o))
	}
}

// IsRecv reports whether the completion belongs to the receive queue.
func (o WCOpcode) IsRecv() bool {
	return o == WCRecv || o == WCRecvRDMAWithImm
}

// WCStatus is a work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:             "success",
	WCLocalLenErr:         "local length error",
	WCLocalQPOpErr:        "local QP operation error",
	WCLocalProtErr:        "local protection error",
	WCWRFlushErr:          "Work Request Flushed Error",
	WCRemoteInvalidReqErr: "remote invalid request error",
	WCRemoteAccessErr:     "remote access error",
	WCRemoteOpErr:         "remote operation error",
	WCRetryExcErr:         "transport retry counter exceeded",
	WCRnrRetryExcErr:      "RNR retry counter exceeded",
	WCGeneralErr:          "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// WorkCompletion is one completion queue entry.
type WorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
	ImmData uint32
	HasImm  bool
	QPNum   uint32
}

// SGE describes a span of a registered memory region.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is a send queue work request. RemoteAddr and RKey are used by the
// RDMA write opcodes only.
type SendWR struct {
	WRID       uint64
	Opcode     Opcode
	SGE        SGE
	RemoteAddr uint64
	RKey       uint32
	ImmData    uint32
}

// RecvWR is a receive queue work request.
type RecvWR struct {
	WRID uint64
	SGE  SGE
}
