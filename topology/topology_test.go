package topology

import (
	"testing"

	"accelcore/collab"
	"accelcore/collab/memsim"
	"accelcore/dirtylog"
	"accelcore/region"
)

func newListener(t *testing.T) (*Listener, *memsim.Framework, *memsim.Channel) {
	t.Helper()
	arena, err := memsim.NewArena(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })

	fw := &memsim.Framework{Arena: arena}
	ch := memsim.NewChannel(0)

	return &Listener{
		Table:   region.NewTable(),
		Log:     &dirtylog.Log{},
		Channel: ch,
		Mapper:  arena,
		Fw:      fw,
	}, fw, ch
}

func section(offset, size uint64, mr *memsim.Region) collab.Section {
	return collab.Section{
		AddressSpace:       memsim.AddressSpace{SystemMemory: true},
		MemoryRegion:       mr,
		OffsetWithinAS:     offset,
		OffsetWithinRegion: 0,
		Size:               size,
	}
}

func TestRegionAddPublishesTable(t *testing.T) {
	l, _, ch := newListener(t)
	l.Started = true // SET_MEM_TABLE is only issued while the device is started
	mr := &memsim.Region{Name: "ram0", RAM: true}

	l.RegionAdd(section(0, 0x1000, mr))

	if l.Table.Len() != 1 {
		t.Fatalf("got %d regions, want 1", l.Table.Len())
	}
	if len(l.Sections) != 1 {
		t.Fatalf("got %d cached sections, want 1", len(l.Sections))
	}
	if len(ch.MemTable) != 1 {
		t.Fatalf("published table has %d regions, want 1", len(ch.MemTable))
	}
}

func TestRegionAddFiltersNonRAM(t *testing.T) {
	l, _, _ := newListener(t)
	mr := &memsim.Region{Name: "mmio0", RAM: false}

	l.RegionAdd(section(0, 0x1000, mr))

	if l.Table.Len() != 0 {
		t.Fatalf("non-RAM section should not be assigned, got %d regions", l.Table.Len())
	}
}

func TestRegionDelRemovesRange(t *testing.T) {
	l, _, _ := newListener(t)
	mr := &memsim.Region{Name: "ram0", RAM: true}

	l.RegionAdd(section(0, 0x1000, mr))
	l.RegionDel(section(0, 0x1000, mr))

	if l.Table.Len() != 0 {
		t.Fatalf("got %d regions after del, want 0", l.Table.Len())
	}
	if len(l.Sections) != 0 {
		t.Fatalf("got %d cached sections after del, want 0", len(l.Sections))
	}
}

func TestSetMemoryNoChangeShortCircuitsIoctl(t *testing.T) {
	l, _, ch := newListener(t)
	l.Started = true // SET_MEM_TABLE is only issued while the device is started
	mr := &memsim.Region{Name: "ram0", RAM: true}

	l.RegionAdd(section(0, 0x1000, mr))

	// Arm a failure on the next SET_MEM_TABLE: a duplicate add that
	// issued the ioctl would consume it.
	ch.FailOp = "SetMemTable"
	l.RegionAdd(section(0, 0x1000, mr))
	if ch.FailOp != "SetMemTable" {
		t.Fatal("duplicate add issued SET_MEM_TABLE; want it short-circuited")
	}
	if len(l.Sections) != 1 {
		t.Fatalf("duplicate add should not duplicate the cache entry, got %d", len(l.Sections))
	}
}

// TestSetMemoryLoggingQuirk exercises spec's documented Open Question
// (b): a logging section forces add=false (treated as a remove), but
// the code still unconditionally takes the assign branch afterward
// when the original call was an add.
func TestSetMemoryLoggingQuirk(t *testing.T) {
	l, _, _ := newListener(t)
	mr := &memsim.Region{Name: "ram0", RAM: true, Logging: true}

	l.RegionAdd(section(0, 0x1000, mr))

	// Reproduced as documented: despite being forced down the remove
	// path, the region still ends up assigned because `add` (the
	// original request) still gates the post-unassign Assign call.
	if l.Table.Len() != 1 {
		t.Fatalf("got %d regions, want 1 per the documented quirk", l.Table.Len())
	}
}

// TestLogGlobalStartStopWithoutHookTracksFlagOnly exercises a Listener
// built standalone, outside a device handle: with no SetLogHook wired
// there is no accelerator protocol to run, so LogGlobalStart/Stop just
// track LogEnabled locally.
func TestLogGlobalStartStopWithoutHookTracksFlagOnly(t *testing.T) {
	l, _, _ := newListener(t)

	l.LogGlobalStart()
	if !l.LogEnabled {
		t.Error("expected LogEnabled after LogGlobalStart with no hook wired")
	}

	l.LogGlobalStop()
	if l.LogEnabled {
		t.Error("expected LogEnabled false after LogGlobalStop with no hook wired")
	}
}
