// Package memory registers connection buffers with a protection domain.
package memory

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/verbs"
	"github.com/yuuki/rdmakv/internal/wire"
)

var (
	ErrInvalidSize   = errors.New("invalid buffer size")
	ErrNotAdvertised = errors.New("region grants no remote access")
	ErrReleased      = errors.New("region released")
)

// Domain is anything that owns a protection domain, typically a connection.
type Domain interface {
	ProtectionDomain() *verbs.ProtectionDomain
}

// Region is a zeroed buffer registered for the lifetime of a connection.
type Region struct {
	mr  *verbs.MemoryRegion
	buf []byte
}

// Register allocates a zeroed buffer of size bytes and registers it. Local
// write access is always granted; remote access only when requested.
func Register(d Domain, size int, access verbs.AccessFlags) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("register %d bytes: %w", size, ErrInvalidSize)
	}
	pd := d.ProtectionDomain()
	if pd == nil {
		return nil, fmt.Errorf("register %d bytes: %w", size, verbs.ErrInvalidPD)
	}
	buf := make([]byte, size)
	mr, err := pd.RegMR(buf, access|verbs.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("register %d bytes: %w", size, err)
	}
	log.Debug().
		Int("size", size).
		Uint64("addr", mr.Addr()).
		Uint32("lkey", mr.LKey()).
		Str("access", mr.Access().String()).
		Msg("Registered memory region")
	return &Region{mr: mr, buf: buf}, nil
}

// Deregister releases the registration. Calling it on a nil or already
// released region is a no-op. It fails, leaving the region registered, while
// a posted work request still references it.
func (r *Region) Deregister() error {
	if r == nil || r.mr == nil {
		return nil
	}
	if err := r.mr.Dereg(); err != nil && !errors.Is(err, verbs.ErrAlreadyReleased) {
		return fmt.Errorf("deregister region lkey 0x%x: %w", r.mr.LKey(), err)
	}
	r.mr = nil
	r.buf = nil
	return nil
}

// Registered reports whether the region is still registered.
func (r *Region) Registered() bool {
	return r != nil && r.mr != nil
}

// Bytes returns the backing buffer, or nil once released.
func (r *Region) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.buf
}

// Len returns the region size.
func (r *Region) Len() int {
	return len(r.Bytes())
}

// Access returns the access flags granted to the region.
func (r *Region) Access() verbs.AccessFlags {
	if !r.Registered() {
		return 0
	}
	return r.mr.Access()
}

// Clear zeroes the buffer.
func (r *Region) Clear() {
	clear(r.Bytes())
}

// SGE describes the first n bytes of the region.
func (r *Region) SGE(n int) (verbs.SGE, error) {
	if !r.Registered() {
		return verbs.SGE{}, ErrReleased
	}
	if n < 0 || n > len(r.buf) {
		return verbs.SGE{}, fmt.Errorf("span of %d bytes in %d-byte region: %w", n, len(r.buf), ErrInvalidSize)
	}
	return verbs.SGE{Addr: r.mr.Addr(), Length: uint32(n), LKey: r.mr.LKey()}, nil
}

// Descriptor returns the address and remote key to advertise to a peer.
func (r *Region) Descriptor() (wire.PeerDescriptor, error) {
	if !r.Registered() {
		return wire.PeerDescriptor{}, ErrReleased
	}
	if !r.mr.Access().Remote() {
		return wire.PeerDescriptor{}, ErrNotAdvertised
	}
	return wire.PeerDescriptor{Addr: r.mr.Addr(), RKey: r.mr.RKey()}, nil
}
