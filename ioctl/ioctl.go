// Package ioctl implements the accelerator control channel: opcode
// encoding and wire structs for the ioctl-based protocol between the
// core and the in-kernel virtio accelerator, plus the syscall wrappers
// that issue them.
//
// Opcode numbers are a fixed kernel ABI and are hand-rolled rather than
// pulled from a generated header; numbers and wire structs are
// hand-rolled, flags and low-level syscalls route through
// golang.org/x/sys/unix.
package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// _IOC direction bits, matching the Linux ioctl encoding convention.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	magic = 0xAF // accelerator ioctl magic, matching the kernel ABI
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (magic << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io(nr uintptr) uintptr          { return ioc(iocNone, nr, 0) }
func iow(nr, size uintptr) uintptr   { return ioc(iocWrite, nr, size) }
func ior(nr, size uintptr) uintptr   { return ioc(iocRead, nr, size) }
func iowr(nr, size uintptr) uintptr  { return ioc(iocWrite|iocRead, nr, size) }

var (
	opSetOwner    = io(0x01)
	opGetFeatures = ior(0x00, 8)
	opSetFeatures = iow(0x00, 8)
	opSetMemTable = iow(0x03, 8)
	opSetLogBase  = iow(0x04, 8)

	opSetVringNum  = iow(0x10, 8)
	opSetVringBase = iow(0x12, 8)
	opGetVringBase = iowr(0x12, 8)
	opSetVringAddr = iow(0x11, unsafe.Sizeof(VringAddr{}))
	opSetVringKick = iow(0x20, 8)
	opSetVringCall = iow(0x21, 8)
)

// Feature bit toggled by SET_FEATURES to enable full dirty-page
// logging of all guest memory.
const FeatureLogAll = 1 << 26

// VringAddr flag enabling per-queue logging, set on SET_VRING_ADDR.
const VringFLog = 1 << 0

// MemRegion is one entry of the SET_MEM_TABLE payload.
type MemRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	FlagsPadding  uint64
}

// memTableHeader precedes the inline region array in the SET_MEM_TABLE
// payload.
type memTableHeader struct {
	NRegions uint32
	Padding  uint32
}

// VringState is the SET_VRING_NUM / SET_VRING_BASE / GET_VRING_BASE
// payload.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr is the SET_VRING_ADDR payload.
type VringAddr struct {
	Index        uint32
	Flags        uint32
	DescUserAddr uint64
	UsedUserAddr uint64
	AvailAddr    uint64
	LogGuestAddr uint64
}

// VringFile is the SET_VRING_KICK / SET_VRING_CALL payload.
type VringFile struct {
	Index uint32
	FD    int32
}

func call(fd int, op uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetOwner issues SET_OWNER, claiming exclusive ownership of the
// accelerator control channel.
func SetOwner(fd int) error {
	return call(fd, opSetOwner, nil)
}

// GetFeatures issues GET_FEATURES, returning the accelerator's
// supported feature bitmask.
func GetFeatures(fd int) (uint64, error) {
	var features uint64
	if err := call(fd, opGetFeatures, unsafe.Pointer(&features)); err != nil {
		return 0, err
	}
	return features, nil
}

// SetFeatures issues SET_FEATURES with the acknowledged bitmask.
func SetFeatures(fd int, features uint64) error {
	return call(fd, opSetFeatures, unsafe.Pointer(&features))
}

// SetMemTable issues SET_MEM_TABLE with the given region list.
func SetMemTable(fd int, regions []MemRegion) error {
	hdr := memTableHeader{NRegions: uint32(len(regions))}

	buf := make([]byte, 0, 8+len(regions)*32)
	buf = append(buf, (*[8]byte)(unsafe.Pointer(&hdr))[:]...)
	for i := range regions {
		buf = append(buf, (*[32]byte)(unsafe.Pointer(&regions[i]))[:]...)
	}

	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	return call(fd, opSetMemTable, ptr)
}

// SetLogBase issues SET_LOG_BASE with the host-virtual base address of
// the dirty-log buffer (0 when logging is disabled).
func SetLogBase(fd int, base uint64) error {
	return call(fd, opSetLogBase, unsafe.Pointer(&base))
}

// SetVringNum issues SET_VRING_NUM.
func SetVringNum(fd int, index uint32, num uint32) error {
	s := VringState{Index: index, Num: num}
	return call(fd, opSetVringNum, unsafe.Pointer(&s))
}

// SetVringBase issues SET_VRING_BASE with the last-avail-idx.
func SetVringBase(fd int, index uint32, lastAvailIdx uint32) error {
	s := VringState{Index: index, Num: lastAvailIdx}
	return call(fd, opSetVringBase, unsafe.Pointer(&s))
}

// GetVringBase issues GET_VRING_BASE, reading back the last-avail-idx.
func GetVringBase(fd int, index uint32) (uint32, error) {
	s := VringState{Index: index}
	if err := call(fd, opGetVringBase, unsafe.Pointer(&s)); err != nil {
		return 0, err
	}
	return s.Num, nil
}

// SetVringAddr issues SET_VRING_ADDR.
func SetVringAddr(fd int, addr VringAddr) error {
	return call(fd, opSetVringAddr, unsafe.Pointer(&addr))
}

// SetVringKick issues SET_VRING_KICK with the host-notifier fd.
func SetVringKick(fd int, index uint32, kickFD int32) error {
	f := VringFile{Index: index, FD: kickFD}
	return call(fd, opSetVringKick, unsafe.Pointer(&f))
}

// SetVringCall issues SET_VRING_CALL with the guest-notifier fd.
func SetVringCall(fd int, index uint32, callFD int32) error {
	f := VringFile{Index: index, FD: callFD}
	return call(fd, opSetVringCall, unsafe.Pointer(&f))
}
