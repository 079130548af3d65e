package connection

import (
	"fmt"
	"strings"
	"time"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/wire"
)

// TransferMode selects how messages travel between the peers.
type TransferMode int

const (
	// TransferSend uses two-sided SEND/RECV. Peer descriptors are exchanged
	// and recorded but not used for addressing.
	TransferSend TransferMode = iota
	// TransferWriteImm writes each message straight into the peer's
	// advertised receive buffer with RDMA_WRITE_WITH_IMM. The immediate
	// carries the message length and consumes the peer's posted receive.
	TransferWriteImm
)

func (m TransferMode) String() string {
	if m == TransferWriteImm {
		return "write_imm"
	}
	return "send"
}

// ParseTransferMode parses "send" or "write_imm".
func ParseTransferMode(s string) (TransferMode, error) {
	switch strings.ToLower(s) {
	case "", "send":
		return TransferSend, nil
	case "write_imm", "write-imm":
		return TransferWriteImm, nil
	default:
		return TransferSend, fmt.Errorf("unknown transfer mode %q", s)
	}
}

// Options configures connections on both sides.
type Options struct {
	// Backlog is the accept queue depth of the listening endpoint.
	Backlog int
	// MaxConnections stops the controller after this many connections have
	// terminated. Zero serves connections until the context ends.
	MaxConnections int

	Transfer     TransferMode
	Wait         completion.Mode
	PollInterval time.Duration
	CQDepth      int
	BufferSize   int

	InitiatorDepth     uint8
	ResponderResources uint8
	RetryCount         uint8

	// TOS is the IP type of service for the connection; negative leaves the
	// system default.
	TOS int

	// DisconnectGrace bounds the wait for the DISCONNECTED event after the
	// outstanding request was flushed.
	DisconnectGrace time.Duration
}

// DefaultOptions returns the options used by the server and client.
func DefaultOptions() Options {
	return Options{
		Backlog:            1,
		Transfer:           TransferSend,
		Wait:               completion.ModePoll,
		CQDepth:            16,
		BufferSize:         wire.MessageSize,
		InitiatorDepth:     3,
		ResponderResources: 3,
		RetryCount:         3,
		TOS:                -1,
		DisconnectGrace:    time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Backlog <= 0 {
		o.Backlog = d.Backlog
	}
	if o.CQDepth <= 0 {
		o.CQDepth = d.CQDepth
	}
	if o.BufferSize < wire.MessageSize {
		o.BufferSize = d.BufferSize
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = d.DisconnectGrace
	}
	return o
}
