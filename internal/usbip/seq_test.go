/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Tests for the sequence allocator
 */

package usbip

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqAllocatorMonotonic(t *testing.T) {
	var s SeqAllocator

	var prev uint32
	for i := 0; i < 100; i++ {
		seq, err := s.Next(DirOut)
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestSeqAllocatorDirectionBit(t *testing.T) {
	var s SeqAllocator

	out, err := s.Next(DirOut)
	require.NoError(t, err)
	assert.Zero(t, out&1)

	in, err := s.Next(DirIn)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), in&1)
}

func TestSeqAllocatorOverflow(t *testing.T) {
	s := SeqAllocator{counter: seqMax}
	_, err := s.Next(DirOut)
	assert.ErrorIs(t, err, ErrSeqOverflow)
}

func TestSeqAllocatorConcurrentUnique(t *testing.T) {
	var s SeqAllocator
	const n = 500

	seen := make(chan uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			seq, err := s.Next(DirOut)
			require.NoError(t, err)
			seen <- seq
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint32]bool)
	for seq := range seen {
		assert.False(t, unique[seq], "duplicate sequence number %d", seq)
		unique[seq] = true
	}
	assert.Len(t, unique, n)
}
