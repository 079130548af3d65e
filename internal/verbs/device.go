package verbs

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultDeviceName is used when OpenDevice is called with an empty name.
	DefaultDeviceName = "rxe0"

	pageSize        = 4096
	baseIOVA uint64 = 0x7f5a00000000
)

// Device is a software RNIC. It hands out IO virtual addresses and keys for
// registered memory and resolves remote keys for inbound RDMA writes.
type Device struct {
	name string

	mu       sync.Mutex
	closed   bool
	nextIOVA uint64
	nextKey  uint32
	regions  map[uint32]*MemoryRegion // keyed by rkey

	nextQPN  atomic.Uint32
	nextPDID atomic.Uint32
}

// OpenDevice opens the named software device.
func OpenDevice(name string) (*Device, error) {
	if name == "" {
		name = DefaultDeviceName
	}
	d := &Device{
		name:     name,
		nextIOVA: baseIOVA,
		// mlx-style keys: low byte is a variant, upper bits index the region.
		nextKey: (rand.Uint32N(0x7fff) + 1) << 8,
		regions: make(map[uint32]*MemoryRegion),
	}
	d.nextQPN.Store(0x10 + rand.Uint32N(0x1000))
	log.Debug().Str("device", name).Msg("Opened software RDMA device")
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Close marks the device closed. Existing resources keep working; new
// protection domains can no longer be allocated.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrAlreadyReleased
	}
	d.closed = true
	log.Debug().Str("device", d.name).Int("live_regions", len(d.regions)).Msg("Closed software RDMA device")
	return nil
}

// AllocPD allocates a protection domain.
func (d *Device) AllocPD() (*ProtectionDomain, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}
	return &ProtectionDomain{dev: d, handle: d.nextPDID.Add(1)}, nil
}

func (d *Device) registerRegion(mr *MemoryRegion) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mr.addr = d.nextIOVA
	span := (uint64(len(mr.buf)) + pageSize - 1) / pageSize * pageSize
	d.nextIOVA += span + pageSize // leave a guard page between regions

	d.nextKey += 0x100
	mr.lkey = d.nextKey | uint32(rand.Uint32N(0x100))
	mr.rkey = mr.lkey
	d.regions[mr.rkey] = mr
}

func (d *Device) unregisterRegion(mr *MemoryRegion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.regions, mr.rkey)
}

func (d *Device) lookupRKey(rkey uint32) *MemoryRegion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regions[rkey]
}

// ProtectionDomain groups memory regions and queue pairs that may be used
// together. It cannot be deallocated while either is still attached.
type ProtectionDomain struct {
	dev    *Device
	handle uint32

	mu       sync.Mutex
	regions  int
	qps      int
	released bool
}

// Device returns the device the domain was allocated on.
func (pd *ProtectionDomain) Device() *Device {
	return pd.dev
}

// Handle returns the domain handle.
func (pd *ProtectionDomain) Handle() uint32 {
	return pd.handle
}

// Dealloc releases the protection domain.
func (pd *ProtectionDomain) Dealloc() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.released {
		return ErrAlreadyReleased
	}
	if pd.regions > 0 || pd.qps > 0 {
		return fmt.Errorf("dealloc pd %d with %d regions and %d queue pairs attached: %w",
			pd.handle, pd.regions, pd.qps, ErrResourceBusy)
	}
	pd.released = true
	return nil
}

func (pd *ProtectionDomain) attach(regions, qps int) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.released {
		return ErrInvalidPD
	}
	pd.regions += regions
	pd.qps += qps
	return nil
}

func (pd *ProtectionDomain) detach(regions, qps int) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.regions -= regions
	pd.qps -= qps
}

// resolveSGE finds the live region an SGE points into and checks bounds.
func (pd *ProtectionDomain) resolveSGE(sge SGE) (*MemoryRegion, []byte, error) {
	mr := pd.dev.lookupRKey(sge.LKey)
	if mr == nil || mr.lkey != sge.LKey || mr.pd != pd || mr.released.Load() {
		return nil, nil, fmt.Errorf("lkey 0x%x: %w", sge.LKey, ErrInvalidSGE)
	}
	b, ok := mr.span(sge.Addr, sge.Length)
	if !ok {
		return nil, nil, fmt.Errorf("span 0x%x+%d outside region 0x%x+%d: %w",
			sge.Addr, sge.Length, mr.addr, len(mr.buf), ErrInvalidSGE)
	}
	return mr, b, nil
}
