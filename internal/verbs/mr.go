package verbs

import (
	"fmt"
	"sync/atomic"
)

// MemoryRegion is a buffer registered with a protection domain.
type MemoryRegion struct {
	pd     *ProtectionDomain
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access AccessFlags

	inflight atomic.Int32
	released atomic.Bool
}

// RegMR registers buf with the protection domain. Remote write access
// requires local write access, as with ibv_reg_mr.
func (pd *ProtectionDomain) RegMR(buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer: %w", ErrMRCreation)
	}
	if access&AccessRemoteWrite != 0 && access&AccessLocalWrite == 0 {
		return nil, fmt.Errorf("remote write without local write: %w", ErrMRCreation)
	}
	if err := pd.attach(1, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMRCreation, err)
	}
	mr := &MemoryRegion{pd: pd, buf: buf, access: access}
	pd.dev.registerRegion(mr)
	return mr, nil
}

// Dereg deregisters the region. It fails while a posted work request still
// references the region.
func (mr *MemoryRegion) Dereg() error {
	if mr.released.Load() {
		return ErrAlreadyReleased
	}
	if n := mr.inflight.Load(); n > 0 {
		return fmt.Errorf("dereg mr lkey 0x%x with %d work requests in flight: %w", mr.lkey, n, ErrResourceBusy)
	}
	if !mr.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	mr.pd.dev.unregisterRegion(mr)
	mr.pd.detach(1, 0)
	return nil
}

// Addr returns the IO virtual address of the first byte of the region.
func (mr *MemoryRegion) Addr() uint64 { return mr.addr }

// Len returns the region length in bytes.
func (mr *MemoryRegion) Len() int { return len(mr.buf) }

// LKey returns the local key.
func (mr *MemoryRegion) LKey() uint32 { return mr.lkey }

// RKey returns the remote key.
func (mr *MemoryRegion) RKey() uint32 { return mr.rkey }

// Access returns the access flags the region was registered with.
func (mr *MemoryRegion) Access() AccessFlags { return mr.access }

// Bytes returns the registered buffer.
func (mr *MemoryRegion) Bytes() []byte { return mr.buf }

// Inflight returns the number of posted work requests referencing the region.
func (mr *MemoryRegion) Inflight() int { return int(mr.inflight.Load()) }

func (mr *MemoryRegion) span(addr uint64, length uint32) ([]byte, bool) {
	if addr < mr.addr {
		return nil, false
	}
	off := addr - mr.addr
	end := off + uint64(length)
	if end > uint64(len(mr.buf)) {
		return nil, false
	}
	return mr.buf[off:end], true
}

// remoteSpan resolves an inbound RDMA write target.
func (mr *MemoryRegion) remoteSpan(pd *ProtectionDomain, addr uint64, length uint32) ([]byte, bool) {
	if mr.pd != pd || mr.released.Load() || mr.access&AccessRemoteWrite == 0 {
		return nil, false
	}
	return mr.span(addr, length)
}

func (mr *MemoryRegion) hold()   { mr.inflight.Add(1) }
func (mr *MemoryRegion) unhold() { mr.inflight.Add(-1) }
