/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Sequence number allocator, spec.md §4.3
 */

package usbip

import (
	"sync/atomic"
)

// seqMax is the largest 31-bit counter value; above this the address
// space carried by a single session is exhausted, spec.md §8 "sequence
// counter wrap"
const seqMax = 0x7FFFFFFF

// ErrSeqOverflow is returned once the 31-bit counter is exhausted.
// Per spec.md §8 this is fatal to the session: the caller transitions
// to Draining
var ErrSeqOverflow = newErr(KindProtocolError, "seq_next", errSeqOverflow{})

type errSeqOverflow struct{}

func (errSeqOverflow) Error() string { return "sequence counter exhausted" }

// SeqAllocator hands out monotonically increasing sequence numbers with
// the direction encoded in the low bit, per spec.md §4.3. Safe for
// concurrent use
type SeqAllocator struct {
	counter uint32 // 31-bit value, shifted left by 1 on read
}

// Next returns the next sequence number for dir. A raw shift that would
// produce exactly zero is skipped and retried (harmless, spec.md §4.3);
// exhausting the full 31-bit range is fatal and returns ErrSeqOverflow
func (s *SeqAllocator) Next(dir Direction) (uint32, error) {
	for {
		c := atomic.AddUint32(&s.counter, 1)
		if c > seqMax {
			return 0, ErrSeqOverflow
		}

		seq := c<<1 | uint32(dir&1)
		if seq == 0 {
			continue
		}
		return seq, nil
	}
}
