// Package memsim is an in-process fake of the core's external
// collaborators: an anonymous-mmap-backed guest memory arena playing
// the guest-physical mapping primitive, and a fake accelerator control
// channel recording every call instead of issuing real ioctls. It lets
// a device handle's full lifecycle run end-to-end in tests without
// "/dev/accel*" or real guest memory, mirroring the pattern of a
// concrete, swappable implementation behind a narrow capability
// interface used elsewhere in this codebase (collab.DeviceBinding).
package memsim

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"accelcore/collab"
	"accelcore/ioctl"
)

// Arena is an anonymous-mmap-backed guest memory arena implementing
// collab.GuestMapper. Every Map returns a slice view into the single
// backing mapping at the requested guest-physical offset.
type Arena struct {
	mem []byte
}

// NewArena allocates a guest memory arena of the given size.
func NewArena(size int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memsim: mmap guest arena: %w", err)
	}
	return &Arena{mem: mem}, nil
}

// Close releases the backing mapping.
func (a *Arena) Close() error {
	if a == nil || a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Bytes returns the full guest arena for tests that want to poke at
// guest memory directly.
func (a *Arena) Bytes() []byte { return a.mem }

// Map implements collab.GuestMapper.
func (a *Arena) Map(guestPhys uint64, length uint64, writable bool) (uintptr, bool) {
	if guestPhys+length > uint64(len(a.mem)) {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&a.mem[guestPhys])), true
}

// Unmap implements collab.GuestMapper. The fake arena has nothing to
// release per-mapping (the whole arena is one mmap), so this is a
// no-op; dirtyLen is not recorded.
func (a *Arena) Unmap(hostPtr uintptr, length uint64, written bool, dirtyLen uint64) {}

var _ collab.GuestMapper = (*Arena)(nil)

// Region is a fake collab.MemoryRegion.
type Region struct {
	Name    string
	RAM     bool
	Logging bool
}

func (r *Region) IsRAM() bool     { return r.RAM }
func (r *Region) IsLogging() bool { return r.Logging }

var _ collab.MemoryRegion = (*Region)(nil)

// AddressSpace is a fake collab.AddressSpace whose IsSystemMemory
// reports the SystemMemory field; the topology listener only accepts
// sections whose address space is system memory.
type AddressSpace struct{ SystemMemory bool }

func (a AddressSpace) IsSystemMemory() bool { return a.SystemMemory }

var _ collab.AddressSpace = AddressSpace{}

// Framework is a fake collab.AddressSpaceFramework recording every
// MarkDirty call for assertions.
type Framework struct {
	Dirty []DirtyCall
	Arena *Arena
}

// DirtyCall is one recorded MarkDirty invocation.
type DirtyCall struct {
	Region collab.MemoryRegion
	Offset uint64
	Length uint64
}

func (f *Framework) MarkDirty(mr collab.MemoryRegion, offset, length uint64) {
	f.Dirty = append(f.Dirty, DirtyCall{Region: mr, Offset: offset, Length: length})
}

func (f *Framework) GetRAMPtr(mr collab.MemoryRegion) uintptr {
	if f.Arena == nil || len(f.Arena.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&f.Arena.mem[0]))
}

var _ collab.AddressSpaceFramework = (*Framework)(nil)

// Virtqueue is a fake collab.EmulatedVirtqueue.
type Virtqueue struct {
	NumVal          uint32
	Desc, Avail     uint64
	Used            uint64
	RingAddrVal     uint64
	RingSizeVal     uint64
	LastAvailIdxVal uint32
	HostFD          int32
	GuestFD         int32
}

func (v *Virtqueue) Num() uint32             { return v.NumVal }
func (v *Virtqueue) DescAddr() uint64        { return v.Desc }
func (v *Virtqueue) AvailAddr() uint64       { return v.Avail }
func (v *Virtqueue) UsedAddr() uint64        { return v.Used }
func (v *Virtqueue) RingAddr() (uint64, uint64) { return v.RingAddrVal, v.RingSizeVal }
func (v *Virtqueue) LastAvailIdx() uint32    { return v.LastAvailIdxVal }
func (v *Virtqueue) SetLastAvailIdx(idx uint32) { v.LastAvailIdxVal = idx }
func (v *Virtqueue) HostNotifierFD() int32   { return v.HostFD }
func (v *Virtqueue) GuestNotifierFD() int32  { return v.GuestFD }

var _ collab.EmulatedVirtqueue = (*Virtqueue)(nil)

// Binding is a fake collab.DeviceBinding.
type Binding struct {
	NotifiersOn   map[int]bool
	GuestOn       bool
	SupportsGuest bool
	FailIndex     int // -1 disables injected failure
}

// NewBinding returns a Binding with no injected failures.
func NewBinding() *Binding {
	return &Binding{NotifiersOn: map[int]bool{}, SupportsGuest: true, FailIndex: -1}
}

func (b *Binding) SetHostNotifier(idx int, on bool) error {
	if idx == b.FailIndex {
		return fmt.Errorf("memsim: injected host-notifier failure at %d", idx)
	}
	b.NotifiersOn[idx] = on
	return nil
}

func (b *Binding) SetGuestNotifiers(on bool) error {
	if !b.SupportsGuest {
		return fmt.Errorf("memsim: guest notifiers not supported")
	}
	b.GuestOn = on
	return nil
}

func (b *Binding) QueryGuestNotifiers() bool { return b.SupportsGuest }

var _ collab.DeviceBinding = (*Binding)(nil)

// Registration is a fake collab.Registration.
type Registration struct {
	registry   *Registry
	registered bool
}

func (r *Registration) Deregister() {
	if r.registered {
		r.registry.listener = nil
		r.registered = false
	}
}

// Registry is a fake collab.Registry holding at most one listener,
// enough to exercise register/deregister bound to device lifecycle.
type Registry struct {
	listener collab.Listener
}

func (r *Registry) Register(l collab.Listener) collab.Registration {
	r.listener = l
	return &Registration{registry: r, registered: true}
}

// Listener returns the currently registered listener, or nil.
func (r *Registry) Listener() collab.Listener { return r.listener }

var _ collab.Registry = (*Registry)(nil)

// Channel is a fake ioctl.Channel recording every call instead of
// issuing a real ioctl syscall.
type Channel struct {
	Owned        bool
	Features     uint64
	Acked        uint64
	MemTable     []ioctl.MemRegion
	LogBase      uint64
	VringNum     map[uint32]uint32
	VringBase    map[uint32]uint32
	VringAddrs   map[uint32]ioctl.VringAddr
	VringKickFDs map[uint32]int32
	VringCallFDs map[uint32]int32
	Closed       bool

	FailOp string // name of the next call to fail, or ""
}

// NewChannel returns a Channel advertising the given feature bitmask.
func NewChannel(features uint64) *Channel {
	return &Channel{
		Features:     features,
		VringNum:     map[uint32]uint32{},
		VringBase:    map[uint32]uint32{},
		VringAddrs:   map[uint32]ioctl.VringAddr{},
		VringKickFDs: map[uint32]int32{},
		VringCallFDs: map[uint32]int32{},
	}
}

func (c *Channel) fail(op string) error {
	if c.FailOp == op {
		c.FailOp = ""
		return fmt.Errorf("memsim: injected failure on %s", op)
	}
	return nil
}

func (c *Channel) SetOwner() error {
	if err := c.fail("SetOwner"); err != nil {
		return err
	}
	c.Owned = true
	return nil
}

func (c *Channel) GetFeatures() (uint64, error) {
	if err := c.fail("GetFeatures"); err != nil {
		return 0, err
	}
	return c.Features, nil
}

func (c *Channel) SetFeatures(features uint64) error {
	if err := c.fail("SetFeatures"); err != nil {
		return err
	}
	c.Acked = features
	return nil
}

func (c *Channel) SetMemTable(regions []ioctl.MemRegion) error {
	if err := c.fail("SetMemTable"); err != nil {
		return err
	}
	c.MemTable = append([]ioctl.MemRegion(nil), regions...)
	return nil
}

func (c *Channel) SetLogBase(base uint64) error {
	if err := c.fail("SetLogBase"); err != nil {
		return err
	}
	c.LogBase = base
	return nil
}

func (c *Channel) SetVringNum(index, num uint32) error {
	if err := c.fail("SetVringNum"); err != nil {
		return err
	}
	c.VringNum[index] = num
	return nil
}

func (c *Channel) SetVringBase(index, lastAvailIdx uint32) error {
	if err := c.fail("SetVringBase"); err != nil {
		return err
	}
	c.VringBase[index] = lastAvailIdx
	return nil
}

func (c *Channel) GetVringBase(index uint32) (uint32, error) {
	if err := c.fail("GetVringBase"); err != nil {
		return 0, err
	}
	return c.VringBase[index], nil
}

func (c *Channel) SetVringAddr(addr ioctl.VringAddr) error {
	if err := c.fail("SetVringAddr"); err != nil {
		return err
	}
	c.VringAddrs[addr.Index] = addr
	return nil
}

func (c *Channel) SetVringKick(index uint32, fd int32) error {
	if err := c.fail("SetVringKick"); err != nil {
		return err
	}
	c.VringKickFDs[index] = fd
	return nil
}

func (c *Channel) SetVringCall(index uint32, fd int32) error {
	if err := c.fail("SetVringCall"); err != nil {
		return err
	}
	c.VringCallFDs[index] = fd
	return nil
}

func (c *Channel) Close() error {
	c.Closed = true
	return nil
}

var _ ioctl.Channel = (*Channel)(nil)
