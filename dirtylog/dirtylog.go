// Package dirtylog implements the shared dirty-page bitmap between the
// core and the accelerator: sizing, the grow/shrink resize protocol
// with SET_LOG_BASE ordering, and the scan-and-drain used for live
// migration.
package dirtylog

import (
	"sync/atomic"
)

// LogPage is the guest-page granularity of one dirty bit (4 KiB).
const LogPage = 4096

// wordBits is W, the number of bits per word (chunk).
const wordBits = 64

// BufferWords is the hysteresis margin applied on resize: grow to
// needed+BufferWords, only shrink when current exceeds
// needed+BufferWords. Matches one page worth of words at an 8-byte
// word size (4 KiB / 8).
const BufferWords = 4096 / 8

// Region describes something the log must have enough bits to cover:
// either a memory region or a virtqueue's used-ring window.
type Region struct {
	GuestPhysAddr uint64
	Size          uint64
}

// Section is a cached memory section the log is drained over on
// resize or log_sync; MemoryRegion/Offset identify where mark_dirty
// reports dirtied bytes.
type Section struct {
	GuestPhysAddr      uint64
	Size               uint64
	MemoryRegion       MarkDirtyTarget
	OffsetWithinRegion uint64
}

// MarkDirtyTarget is the opaque external handle passed back to
// MarkDirty; the core never interprets it.
type MarkDirtyTarget interface{}

// MarkDirty is the external collaborator primitive that records a
// dirtied byte range within a memory region.
type MarkDirty func(region MarkDirtyTarget, offset, length uint64)

// Log is the dirty-page bitmap. Ownership: allocated by the core, its
// base address handed to the accelerator; the accelerator writes via
// atomic OR, the core reads via atomic fetch-and-zero.
type Log struct {
	words []uint64
}

// Words returns the bitmap's backing slice. Size is len(Words())
// words; a zero-size log has a nil slice.
func (l *Log) Words() []uint64 {
	if l == nil {
		return nil
	}
	return l.words
}

// Size returns the log size in words.
func (l *Log) Size() int {
	if l == nil {
		return 0
	}
	return len(l.words)
}

// BaseAddr returns the host-virtual base address to publish via
// SET_LOG_BASE, or 0 for a nil/zero-size log.
func (l *Log) BaseAddr() uint64 {
	if l == nil || len(l.words) == 0 {
		return 0
	}
	return uint64(uintptr(wordsPointer(l.words)))
}

// GetLogSize computes the number of words needed to cover every byte
// of every region and every virtqueue used-ring window.
func GetLogSize(regions []Region) int {
	maxWord := 0
	for _, r := range regions {
		if r.Size == 0 {
			continue
		}
		lastByte := r.GuestPhysAddr + r.Size - 1
		word := int(lastByte/(wordBits*LogPage)) + 1
		if word > maxWord {
			maxWord = word
		}
	}
	return maxWord
}

// NeedsResize reports whether a log sized to `current` words should be
// resized given `needed` words are actually required, applying the
// hysteresis margin.
func NeedsResize(current, needed int) (newSize int, resize bool) {
	switch {
	case current < needed:
		return needed + BufferWords, true
	case current > needed+BufferWords:
		return needed + BufferWords, true
	default:
		return current, false
	}
}

// Resize replaces the log with a new one sized `newSize` words,
// following the ordering protocol: when growing, publishBase is called
// with the new base before the old log is drained; when shrinking (or
// keeping the size), after it. Ordering relative to SET_MEM_TABLE is
// left to the caller, which chooses when to call Resize. The old log
// (if any) is drained with SyncAll over every given section before it
// is discarded.
//
// publishBase, mark and sections are supplied by the caller so this
// package never reaches into the accelerator control channel, the
// address-space framework or the memory-section cache directly.
func Resize(old *Log, newSize int, sections []Section, mark MarkDirty, publishBase func(base uint64) error) (*Log, error) {
	growing := newSize > old.Size()

	var next *Log
	if newSize > 0 {
		next = &Log{words: make([]uint64, newSize)}
	}

	if growing {
		if err := publishBase(next.BaseAddr()); err != nil {
			return old, err
		}
	}

	if old != nil {
		SyncAll(old, sections, mark)
	}

	if !growing {
		if err := publishBase(next.BaseAddr()); err != nil {
			return old, err
		}
	}

	return next, nil
}

// SyncAll drains every cached section over the given log.
func SyncAll(l *Log, sections []Section, mark MarkDirty) {
	for _, s := range sections {
		SyncRegion(l, s.GuestPhysAddr, s.GuestPhysAddr+s.Size-1, s, mark)
	}
}

// SyncRegion drains the log over the intersection of
// [start, end] (inclusive byte range, guest-physical window) and the
// section's own [GuestPhysAddr, GuestPhysAddr+Size) range. For each
// set bit, mark is called with the byte range it represents, relative
// to the section's memory region.
func SyncRegion(l *Log, start, end uint64, s Section, mark MarkDirty) {
	if l == nil || len(l.words) == 0 {
		return
	}

	rStart, rEnd := s.GuestPhysAddr, s.GuestPhysAddr+s.Size-1
	if start < rStart {
		start = rStart
	}
	if end > rEnd {
		end = rEnd
	}
	if start > end {
		return
	}

	firstWord := start / (wordBits * LogPage)
	lastWord := end / (wordBits * LogPage)

	for w := firstWord; w <= lastWord && int(w) < len(l.words); w++ {
		if l.words[w] == 0 {
			// Unatomic pre-check: common case, skip the RMW.
			continue
		}

		bits := atomic.SwapUint64(&l.words[w], 0)
		if bits == 0 {
			continue
		}

		for b := uint(0); b < wordBits; b++ {
			if bits&(1<<b) == 0 {
				continue
			}
			page := w*wordBits + uint64(b)
			pageAddr := page * LogPage
			if pageAddr < s.GuestPhysAddr || pageAddr >= s.GuestPhysAddr+s.Size {
				continue
			}
			regionOffset := s.OffsetWithinRegion + (pageAddr - s.GuestPhysAddr)
			mark(s.MemoryRegion, regionOffset, LogPage)
		}
	}
}
