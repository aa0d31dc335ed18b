package ioctl

// Channel is the accelerator control channel as the rest of the core
// sees it: a narrow capability interface so device-lifecycle code can
// be driven against either a real ioctl-backed file descriptor or an
// in-process fake in tests.
type Channel interface {
	SetOwner() error
	GetFeatures() (uint64, error)
	SetFeatures(features uint64) error
	SetMemTable(regions []MemRegion) error
	SetLogBase(base uint64) error
	SetVringNum(index, num uint32) error
	SetVringBase(index, lastAvailIdx uint32) error
	GetVringBase(index uint32) (uint32, error)
	SetVringAddr(addr VringAddr) error
	SetVringKick(index uint32, fd int32) error
	SetVringCall(index uint32, fd int32) error
	Close() error
}

// FD is a Channel backed by a real accelerator device file descriptor.
type FD int

// Open opens the accelerator device node at path and returns a Channel
// ready for SetOwner.
func Open(path string) (FD, error) {
	fd, err := open(path)
	if err != nil {
		return -1, err
	}
	return FD(fd), nil
}

func (f FD) SetOwner() error                        { return SetOwner(int(f)) }
func (f FD) GetFeatures() (uint64, error)            { return GetFeatures(int(f)) }
func (f FD) SetFeatures(features uint64) error       { return SetFeatures(int(f), features) }
func (f FD) SetMemTable(regions []MemRegion) error   { return SetMemTable(int(f), regions) }
func (f FD) SetLogBase(base uint64) error            { return SetLogBase(int(f), base) }
func (f FD) SetVringNum(i, n uint32) error           { return SetVringNum(int(f), i, n) }
func (f FD) SetVringBase(i, n uint32) error          { return SetVringBase(int(f), i, n) }
func (f FD) GetVringBase(i uint32) (uint32, error)   { return GetVringBase(int(f), i) }
func (f FD) SetVringAddr(addr VringAddr) error       { return SetVringAddr(int(f), addr) }
func (f FD) SetVringKick(i uint32, fd int32) error   { return SetVringKick(int(f), i, fd) }
func (f FD) SetVringCall(i uint32, fd int32) error   { return SetVringCall(int(f), i, fd) }
func (f FD) Close() error                            { return closeFD(int(f)) }
