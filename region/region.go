// Package region implements the memory-region table: an unsorted,
// non-overlapping set of guest-physical to host-user-virtual mappings
// rebuilt in response to memory-topology change notifications.
package region

import "fmt"

// Region is a single guest-physical to host-user-virtual mapping.
// Within one Table no two regions overlap in guest-physical space;
// the order of regions in the table carries no meaning.
type Region struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// End returns the guest-physical address one past the last byte of r.
func (r Region) End() uint64 {
	return r.GuestPhysAddr + r.MemorySize
}

// UserspaceEnd returns the host-user-virtual address one past the last
// byte of r.
func (r Region) UserspaceEnd() uint64 {
	return r.UserspaceAddr + r.MemorySize
}

func (r Region) overlaps(start, size uint64) bool {
	return r.GuestPhysAddr < start+size && start < r.End()
}

// Table is the memory-region table owned by a device handle. Capacity
// is grown to at least len(regions)+1 at the start of every Assign and
// Unassign (and by GrowCapacity), so that a split produced by Unassign
// always has a free slot for its tail.
type Table struct {
	regions []Region
}

// NewTable returns an empty table with its split slot pre-grown.
func NewTable() *Table {
	return &Table{regions: make([]Region, 0, 1)}
}

// Len returns the current number of regions.
func (t *Table) Len() int { return len(t.regions) }

// Regions returns the live region slice. Callers must not retain or
// mutate it across a subsequent Assign/Unassign call.
func (t *Table) Regions() []Region { return t.regions }

// GrowCapacity ensures at least one more region fits without a
// reallocation. set_memory calls this up front so the table can absorb
// a potential split before Unassign/Assign run; Assign and Unassign
// also call it themselves, so direct callers only need this when they
// want the slot reserved ahead of a lookup that precedes the mutation.
func (t *Table) GrowCapacity() {
	t.growCapacity()
}

func (t *Table) growCapacity() {
	if cap(t.regions) < len(t.regions)+1 {
		grown := make([]Region, len(t.regions), len(t.regions)+1)
		copy(grown, t.regions)
		t.regions = grown
	}
}

// Find returns the first region overlapping [start, start+size) and
// whether one was found.
func (t *Table) Find(start, size uint64) (Region, bool) {
	for _, r := range t.regions {
		if r.overlaps(start, size) {
			return r, true
		}
	}
	return Region{}, false
}

// Unassign removes [start, start+size) from the table, splitting,
// shrinking or dropping regions as needed. Callers invoke Unassign
// before Assign for an add, so Assign never has to handle overlap
// with its own incoming range.
func (t *Table) Unassign(start, size uint64) {
	t.growCapacity()

	end := start + size
	from, to := 0, 0
	split := false
	var tail Region
	n := len(t.regions)

	for from < n {
		r := t.regions[from]
		from++
		rEnd := r.End()

		switch {
		case rEnd <= start || end <= r.GuestPhysAddr:
			// No overlap: copy through unchanged.
			t.regions[to] = r
			to++

		case start <= r.GuestPhysAddr && rEnd <= end:
			// Entirely covered: drop.

		case start <= r.GuestPhysAddr && end < rEnd:
			// Left edge covered, right tail survives: shift forward.
			covered := end - r.GuestPhysAddr
			r.GuestPhysAddr += covered
			r.UserspaceAddr += covered
			r.MemorySize -= covered
			t.regions[to] = r
			to++

		case r.GuestPhysAddr < start && end >= rEnd:
			// Right edge covered, left head survives: truncate.
			r.MemorySize = start - r.GuestPhysAddr
			t.regions[to] = r
			to++

		default:
			// Removed range is strictly inside r: split into two. The
			// head stays in this slot; the tail is held back and
			// appended after the scan, so later copy-throughs into
			// t.regions[to] cannot overwrite it.
			if split {
				panic("region: unassign: more than one split in a single call")
			}
			split = true

			tail = Region{
				GuestPhysAddr: end,
				MemorySize:    rEnd - end,
				UserspaceAddr: r.UserspaceAddr + (end - r.GuestPhysAddr),
			}
			r.MemorySize = start - r.GuestPhysAddr
			t.regions[to] = r
			to++
		}
	}

	t.regions = t.regions[:to]
	if split {
		// Capacity was pre-grown by growCapacity above, so the tail
		// fits without a reallocation.
		t.regions = append(t.regions, tail)
	}
}

func adjacent(prev, next Region) bool {
	return prev.End() == next.GuestPhysAddr && prev.UserspaceEnd() == next.UserspaceAddr
}

// Assign inserts a new region [start, start+size) at uaddr, merging
// with any existing region that is adjacent in both guest-physical and
// host-user-virtual space with consistent orientation. Assign assumes
// the caller has already removed any overlap via Unassign.
func (t *Table) Assign(start, size, uaddr uint64) {
	t.growCapacity()

	incoming := Region{GuestPhysAddr: start, MemorySize: size, UserspaceAddr: uaddr}
	from, to := 0, 0
	n := len(t.regions)
	merged := false

	for from < n {
		r := t.regions[from]
		from++

		switch {
		case adjacent(r, incoming):
			incoming = Region{GuestPhysAddr: r.GuestPhysAddr, MemorySize: r.MemorySize + incoming.MemorySize, UserspaceAddr: r.UserspaceAddr}
			merged = true

		case adjacent(incoming, r):
			incoming = Region{GuestPhysAddr: incoming.GuestPhysAddr, MemorySize: incoming.MemorySize + r.MemorySize, UserspaceAddr: incoming.UserspaceAddr}
			merged = true

		default:
			t.regions[to] = r
			to++
		}
	}

	t.regions = t.regions[:to]
	t.regions = append(t.regions, incoming)
	_ = merged

	if len(t.regions) > n+1 {
		panic(fmt.Sprintf("region: assign: nregions grew by more than 1 (%d -> %d)", n, len(t.regions)))
	}
}

// String renders the table for debugging, one region per line.
func (t *Table) String() string {
	s := ""
	for _, r := range t.regions {
		s += fmt.Sprintf("{gpa=0x%x size=0x%x ua=0x%x}\n", r.GuestPhysAddr, r.MemorySize, r.UserspaceAddr)
	}
	return s
}
