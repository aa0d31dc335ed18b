// Package collab declares the external collaborators the core depends
// on but does not implement: the address-space framework, the
// guest-physical mapping primitive, the emulated virtqueue, and the
// device binding. Each is a narrow capability interface so a listener
// or device-lifecycle call can be dispatched polymorphically without a
// concrete dependency on any one VMM's internals.
package collab

// Section describes a single memory-topology notification: a
// contiguous range of a guest address space, possibly smaller than a
// full memory region.
type Section struct {
	AddressSpace       AddressSpace
	MemoryRegion       MemoryRegion
	OffsetWithinAS     uint64
	OffsetWithinRegion uint64
	Size               uint64
}

// AddressSpace identifies which address space a section notification
// belongs to; the listener only cares whether it is system memory.
type AddressSpace interface {
	IsSystemMemory() bool
}

// MemoryRegion is an opaque handle to a guest memory region, as
// published by the address-space framework. The core never interprets
// it beyond passing it back to AddressSpaceFramework methods and
// MarkDirty.
type MemoryRegion interface {
	IsRAM() bool
	IsLogging() bool
}

// AddressSpaceFramework is the guest-physical memory-map publisher:
// out of scope for the core per its own data model, consumed as a
// collaborator.
type AddressSpaceFramework interface {
	MarkDirty(mr MemoryRegion, offset, length uint64)
	GetRAMPtr(mr MemoryRegion) uintptr
}

// GuestMapper is the address-space mapping primitive that pins guest
// pages into host virtual address space.
type GuestMapper interface {
	// Map returns a host pointer for length bytes starting at
	// guestPhys. If the full length could not be mapped, ok reports
	// false and the caller must treat this as NoMemory.
	Map(guestPhys uint64, length uint64, writable bool) (hostPtr uintptr, ok bool)
	// Unmap releases a previous Map. dirtyLen marks that many bytes
	// from the start of the range dirty before the mapping ends, used
	// to preserve in-flight accelerator writes across teardown.
	Unmap(hostPtr uintptr, length uint64, written bool, dirtyLen uint64)
}

// EmulatedVirtqueue is the emulated virtio queue abstraction that
// exposes queue geometry and event descriptors; descriptor
// interpretation itself stays with the emulated device, out of scope
// for the core.
type EmulatedVirtqueue interface {
	Num() uint32
	DescAddr() uint64
	AvailAddr() uint64
	UsedAddr() uint64
	RingAddr() (addr uint64, size uint64)
	LastAvailIdx() uint32
	SetLastAvailIdx(idx uint32)
	HostNotifierFD() int32
	GuestNotifierFD() int32
}

// DeviceBinding toggles host/guest notifier wiring on the emulated
// device that owns a set of virtqueues.
type DeviceBinding interface {
	SetHostNotifier(idx int, on bool) error
	SetGuestNotifiers(on bool) error
	QueryGuestNotifiers() bool
}

// Listener is the capability set the topology framework dispatches
// notifications to.
type Listener interface {
	RegionAdd(s Section)
	RegionDel(s Section)
	RegionNop(s Section)
	LogSync(s Section)
	LogGlobalStart()
	LogGlobalStop()
	// LogStart / LogStop are the documented known gap: per-section
	// fine-grained logging is unimplemented, so implementations may
	// treat them as no-ops and leave logging to LogGlobalStart /
	// LogGlobalStop.
	LogStart(s Section)
	LogStop(s Section)
}

// Registry is the process-wide listener registry the address-space
// framework maintains. Registering returns a handle whose Deregister
// must be called exactly once, bound to device cleanup.
type Registry interface {
	Register(l Listener) Registration
}

// Registration is the paired deregister call for a registered
// listener.
type Registration interface {
	Deregister()
}
