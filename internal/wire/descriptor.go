package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DescriptorSize is the encoded size of a PeerDescriptor.
const DescriptorSize = 12

var ErrShortDescriptor = errors.New("private data shorter than a memory descriptor")

// PeerDescriptor advertises a registered buffer to the remote side: its
// virtual address and remote access key, both in network byte order.
type PeerDescriptor struct {
	Addr uint64
	RKey uint32
}

// Encode returns the 12-byte wire form.
func (d PeerDescriptor) Encode() []byte {
	b := make([]byte, DescriptorSize)
	binary.BigEndian.PutUint64(b[0:8], d.Addr)
	binary.BigEndian.PutUint32(b[8:12], d.RKey)
	return b
}

// IsZero reports whether no descriptor has been recorded.
func (d PeerDescriptor) IsZero() bool {
	return d.Addr == 0 && d.RKey == 0
}

func (d PeerDescriptor) String() string {
	return fmt.Sprintf("addr=0x%x rkey=0x%x", d.Addr, d.RKey)
}

// DecodePeerDescriptor parses private data. Trailing bytes are ignored.
func DecodePeerDescriptor(b []byte) (PeerDescriptor, error) {
	if len(b) < DescriptorSize {
		return PeerDescriptor{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortDescriptor)
	}
	return PeerDescriptor{
		Addr: binary.BigEndian.Uint64(b[0:8]),
		RKey: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
