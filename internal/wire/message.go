// Package wire defines the fixed-size request/response message and the
// memory descriptor exchanged as connection private data.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FieldSize is the on-wire size of the key and value fields.
	FieldSize = 256
	// MaxFieldLen is the longest key or value that fits with its terminator.
	MaxFieldLen = FieldSize - 1
	// MessageSize is the encoded size of every Message.
	MessageSize = 4 + 2*FieldSize

	// NotFoundValue is the value returned by GET when the key is absent.
	NotFoundValue = "NOT_FOUND"
)

var (
	ErrFieldTooLong = errors.New("field exceeds maximum length")
	ErrShortMessage = errors.New("buffer shorter than a message")
)

// Op is the operation tag of a message.
type Op uint32

const (
	OpPut Op = 1
	OpGet Op = 2
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpGet:
		return "GET"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o == OpPut || o == OpGet
}

// Message is a request or response.
type Message struct {
	Op    Op
	Key   string
	Value string
}

// Encode writes m into buf, which must hold at least MessageSize bytes.
// The full message is always written; unused field bytes are zeroed.
func (m Message) Encode(buf []byte) error {
	if len(buf) < MessageSize {
		return ErrShortMessage
	}
	if len(m.Key) > MaxFieldLen {
		return fmt.Errorf("key of %d bytes: %w", len(m.Key), ErrFieldTooLong)
	}
	if len(m.Value) > MaxFieldLen {
		return fmt.Errorf("value of %d bytes: %w", len(m.Value), ErrFieldTooLong)
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.Op))
	putField(buf[4:4+FieldSize], m.Key)
	putField(buf[4+FieldSize:MessageSize], m.Value)
	return nil
}

// Decode reads a message from buf. The op tag is not validated.
func Decode(buf []byte) (Message, error) {
	if len(buf) < MessageSize {
		return Message{}, fmt.Errorf("%d bytes: %w", len(buf), ErrShortMessage)
	}
	return Message{
		Op:    Op(binary.BigEndian.Uint32(buf[0:4])),
		Key:   field(buf[4 : 4+FieldSize]),
		Value: field(buf[4+FieldSize : MessageSize]),
	}, nil
}

// Truncate cuts s to MaxFieldLen bytes.
func Truncate(s string) string {
	if len(s) > MaxFieldLen {
		return s[:MaxFieldLen]
	}
	return s
}

func putField(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

func field(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
