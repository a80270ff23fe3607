package coverage

import (
	"context"
	"fmt"
)

// RecordSize is the length of one formatted coverage record.
const RecordSize = len("0x00000000:0x0000000000000000\n")

// Record formats the entry as reported on the show channel: the unit
// fingerprint and the offset relative to the entry's base address at
// trigger time.
func (e *Entry) Record() string {
	return fmt.Sprintf("0x%08x:0x%016x\n", e.Fingerprint, e.Offset)
}

// Show performs one drain: it blocks until a triggered entry is
// available, writes its formatted record into buf, and returns the byte
// count. Interruption via ctx yields 0 with nothing consumed. The
// drained entry is released; each trigger is reported exactly once.
func (r *Registry) Show(ctx context.Context, buf []byte) int {
	e := r.UnlinkNext(ctx)
	if e == nil {
		return 0
	}
	return copy(buf, e.Record())
}
