package dirtylog

import "unsafe"

// wordsPointer returns the address of the first word of the log, the
// narrow conversion point where the host-virtual pointer becomes a
// plain integer for the accelerator's SET_LOG_BASE payload.
func wordsPointer(words []uint64) unsafe.Pointer {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Pointer(&words[0])
}
