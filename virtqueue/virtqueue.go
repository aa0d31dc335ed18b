// Package virtqueue implements the virtqueue binder: ring mapping,
// publishing addresses to the accelerator, and re-verifying ring
// mappings as memory topology changes underneath a started device.
package virtqueue

import (
	"fmt"

	"accelcore/collab"
	"accelcore/ioctl"
)

// Kind mirrors the core's error kinds that this package can produce
// without importing the root package (which imports this one).
type Kind int

const (
	KindIO Kind = iota
	KindNoMemory
	KindRelocated
)

// Error is returned by Init/Cleanup/VerifyRingMappings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("virtqueue: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// mapping is one of the four ring areas bound to a Virtqueue.
type mapping struct {
	hostPtr uintptr
	length  uint64
}

// Virtqueue is the bound, live state of one virtqueue: its mapped ring
// areas and the guest-physical windows the accelerator writes to, used
// for dirty tracking and relocation checks.
type Virtqueue struct {
	Index uint32

	desc, avail, used, ring mapping

	UsedPhys, UsedSize uint64
	RingPhys, RingSize uint64

	bound bool
}

// Init maps the queue's four ring areas, publishes its geometry and
// addresses to the accelerator, and binds its kick/call descriptors.
// Any failure unwinds earlier maps in reverse order.
func Init(vq *Virtqueue, idx uint32, q collab.EmulatedVirtqueue, mapper collab.GuestMapper, ch ioctl.Channel, logEnabled bool, logGuestAddr uint64) error {
	vq.Index = idx

	if err := ch.SetVringNum(idx, q.Num()); err != nil {
		return &Error{Kind: KindIO, Op: "set_vring_num", Err: err}
	}
	if err := ch.SetVringBase(idx, q.LastAvailIdx()); err != nil {
		return &Error{Kind: KindIO, Op: "set_vring_base", Err: err}
	}

	descSize := uint64(16) * uint64(q.Num())
	availSize := uint64(6) + 2*uint64(q.Num())
	ringAddr, ringSize := q.RingAddr()
	usedSize := uint64(6) + 8*uint64(q.Num())

	var mapped []*mapping
	unwind := func() {
		for i := len(mapped) - 1; i >= 0; i-- {
			mapper.Unmap(mapped[i].hostPtr, mapped[i].length, false, 0)
		}
	}

	mapOne := func(m *mapping, addr, length uint64, writable bool) error {
		ptr, ok := mapper.Map(addr, length, writable)
		if !ok {
			unwind()
			return &Error{Kind: KindNoMemory, Op: "map_ring", Err: fmt.Errorf("short map at 0x%x len 0x%x", addr, length)}
		}
		*m = mapping{hostPtr: ptr, length: length}
		mapped = append(mapped, m)
		return nil
	}

	if err := mapOne(&vq.desc, q.DescAddr(), descSize, false); err != nil {
		return err
	}
	if err := mapOne(&vq.avail, q.AvailAddr(), availSize, false); err != nil {
		return err
	}
	if err := mapOne(&vq.used, q.UsedAddr(), usedSize, true); err != nil {
		return err
	}
	if err := mapOne(&vq.ring, ringAddr, ringSize, true); err != nil {
		return err
	}

	vq.UsedPhys, vq.UsedSize = q.UsedAddr(), usedSize
	vq.RingPhys, vq.RingSize = ringAddr, ringSize

	addr := ioctl.VringAddr{
		Index:        idx,
		DescUserAddr: uint64(vq.desc.hostPtr),
		UsedUserAddr: uint64(vq.used.hostPtr),
		AvailAddr:    uint64(vq.avail.hostPtr),
	}
	if logEnabled {
		addr.Flags |= ioctl.VringFLog
		addr.LogGuestAddr = logGuestAddr
	}
	if err := ch.SetVringAddr(addr); err != nil {
		unwind()
		return &Error{Kind: KindIO, Op: "set_vring_addr", Err: err}
	}

	if err := ch.SetVringKick(idx, q.HostNotifierFD()); err != nil {
		unwind()
		return &Error{Kind: KindIO, Op: "set_vring_kick", Err: err}
	}
	if err := ch.SetVringCall(idx, q.GuestNotifierFD()); err != nil {
		unwind()
		return &Error{Kind: KindIO, Op: "set_vring_call", Err: err}
	}

	vq.bound = true
	return nil
}

// Cleanup reads back the last-avail-idx, writes it to the emulated
// queue, and unmaps all four ring areas. The used and ring unmaps are
// passed their full length as dirty so any residual accelerator writes
// survive past the mapping ending.
func Cleanup(vq *Virtqueue, idx uint32, q collab.EmulatedVirtqueue, mapper collab.GuestMapper, ch ioctl.Channel) error {
	if !vq.bound {
		return nil
	}

	lastAvail, err := ch.GetVringBase(idx)
	if err != nil {
		return &Error{Kind: KindIO, Op: "get_vring_base", Err: err}
	}
	q.SetLastAvailIdx(lastAvail)

	mapper.Unmap(vq.desc.hostPtr, vq.desc.length, false, 0)
	mapper.Unmap(vq.avail.hostPtr, vq.avail.length, false, 0)
	mapper.Unmap(vq.used.hostPtr, vq.used.length, true, vq.used.length)
	mapper.Unmap(vq.ring.hostPtr, vq.ring.length, true, vq.ring.length)

	vq.bound = false
	return nil
}

// VerifyRingMappings re-maps the ring for every bound virtqueue whose
// ring window overlaps [start, start+size) and confirms the host
// pointer hasn't moved. Called on every memory-table change while the
// device is started.
func VerifyRingMappings(vqs []*Virtqueue, start, size uint64, mapper collab.GuestMapper) error {
	end := start + size
	for _, vq := range vqs {
		if !vq.bound {
			continue
		}
		if vq.RingPhys+vq.RingSize <= start || end <= vq.RingPhys {
			continue
		}

		ptr, ok := mapper.Map(vq.RingPhys, vq.RingSize, true)
		if !ok {
			return &Error{Kind: KindNoMemory, Op: "verify_ring_mappings", Err: fmt.Errorf("queue %d: partial remap", vq.Index)}
		}
		if ptr != vq.ring.hostPtr {
			mapper.Unmap(ptr, vq.RingSize, false, 0)
			return &Error{Kind: KindRelocated, Op: "verify_ring_mappings", Err: fmt.Errorf("queue %d: ring moved from 0x%x to 0x%x", vq.Index, vq.ring.hostPtr, ptr)}
		}
		mapper.Unmap(ptr, vq.RingSize, false, 0)
	}
	return nil
}
