package dirtylog

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestGetLogSize(t *testing.T) {
	regions := []Region{
		{GuestPhysAddr: 0, Size: 0x10000},
		{GuestPhysAddr: 0x20000, Size: 0x1000},
	}
	if got := GetLogSize(regions); got < 1 {
		t.Fatalf("expected at least 1 word, got %d", got)
	}
}

func TestSyncRegionScenario(t *testing.T) {
	l := &Log{words: make([]uint64, 1)}
	l.words[0] = (1 << 1) | (1 << 3)

	type call struct {
		offset, length uint64
	}
	var calls []call
	mark := func(region MarkDirtyTarget, offset, length uint64) {
		calls = append(calls, call{offset, length})
	}

	s := Section{GuestPhysAddr: 0, Size: 0x10000, MemoryRegion: "mr", OffsetWithinRegion: 0}
	SyncRegion(l, 0, 0x10000, s, mark)

	if len(calls) != 2 {
		t.Fatalf("got %d mark_dirty calls, want 2: %+v", len(calls), calls)
	}
	if calls[0].offset != 1*LogPage || calls[0].length != LogPage {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].offset != 3*LogPage || calls[1].length != LogPage {
		t.Errorf("call 1 = %+v", calls[1])
	}
	if l.words[0] != 0 {
		t.Errorf("word not cleared after sync: %#x", l.words[0])
	}
}

func TestSyncRegionFastPathSkipsZeroWord(t *testing.T) {
	l := &Log{words: make([]uint64, 2)}
	called := false
	mark := func(region MarkDirtyTarget, offset, length uint64) { called = true }

	s := Section{GuestPhysAddr: 0, Size: 2 * wordBits * LogPage}
	SyncRegion(l, 0, s.Size-1, s, mark)

	if called {
		t.Fatal("mark_dirty called on an all-zero log")
	}
}

func TestNeedsResizeHysteresis(t *testing.T) {
	if size, resize := NeedsResize(100, 100); resize {
		t.Errorf("expected no resize when current == needed, got resize to %d", size)
	}
	if size, resize := NeedsResize(100, 100+BufferWords+1); !resize {
		t.Error("expected resize when needed exceeds current")
	} else if size != 100+BufferWords+1+BufferWords {
		t.Errorf("got size %d", size)
	}
	if _, resize := NeedsResize(100+BufferWords, 100); resize {
		t.Error("expected no shrink while within margin")
	}
	if size, resize := NeedsResize(200+BufferWords+1, 100); !resize {
		t.Error("expected shrink once margin is exceeded")
	} else if size != 100+BufferWords {
		t.Errorf("got shrink size %d", size)
	}
}

// TestSyncRegionConcurrentWriter simulates the accelerator
// concurrently OR-ing bits into the log while the core drains it,
// exercising the atomic fetch-and-zero as the sole synchronisation
// primitive (spec's concurrency model has no lock mediating this).
func TestSyncRegionConcurrentWriter(t *testing.T) {
	l := &Log{words: make([]uint64, 4)}
	s := Section{GuestPhysAddr: 0, Size: uint64(len(l.words)) * wordBits * LogPage}

	var marked int64
	mark := func(region MarkDirtyTarget, offset, length uint64) {
		atomic.AddInt64(&marked, 1)
	}

	var g errgroup.Group
	orBit := func(word *uint64, bit uint) {
		for {
			old := atomic.LoadUint64(word)
			if atomic.CompareAndSwapUint64(word, old, old|(1<<bit)) {
				return
			}
		}
	}
	g.Go(func() error {
		for w := range l.words {
			for b := uint(0); b < wordBits; b++ {
				orBit(&l.words[w], b)
			}
		}
		return nil
	})
	g.Go(func() error {
		SyncRegion(l, 0, s.Size-1, s, mark)
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// A second drain must observe only whatever the writer set after
	// the first drain raced past it; no assertion on count beyond
	// every word the core reads ending at zero after its own drain.
	SyncRegion(l, 0, s.Size-1, s, mark)
	for i, w := range l.words {
		if w != 0 {
			t.Errorf("word %d not zero after drain: %#x", i, w)
		}
	}
}
