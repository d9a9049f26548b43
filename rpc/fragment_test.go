package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kadnode/identifier"
)

func TestFragmentSmallMessagePassesThroughUnsplit(t *testing.T) {
	data := []byte("short payload")
	fragments, err := Fragment(data, identifier.Generate(), MaxPayload)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, data, fragments[0])
}

// Invariant 6: fragmentation produces ceil(L/P) fragments, each within the
// size bound and carrying its total and sequence number in the header.
// Reassembly back to the original bytes is checked by
// TestReassemblerHandlesShuffledFragments.
func TestFragmentCountMatchesCeilingDivision(t *testing.T) {
	maxPayload := 100
	data := make([]byte, 3*maxPayload+17)
	for i := range data {
		data[i] = byte(i % 251)
	}

	fragments, err := Fragment(data, identifier.Generate(), maxPayload)
	require.NoError(t, err)
	require.Len(t, fragments, 4)

	for i, f := range fragments {
		assert.LessOrEqual(t, len(f), FragmentHeaderSize+maxPayload)
		total := int(f[1])<<8 | int(f[2])
		seq := int(f[3])<<8 | int(f[4])
		assert.Equal(t, 4, total)
		assert.Equal(t, i, seq)
	}
}

// S3: feed fragments out of order and expect exact reassembly.
func TestReassemblerHandlesShuffledFragments(t *testing.T) {
	maxPayload := 100
	data := make([]byte, 3*maxPayload+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	rpcID := identifier.Generate()

	fragments, err := Fragment(data, rpcID, maxPayload)
	require.NoError(t, err)
	require.Len(t, fragments, 4)

	shuffled := []int{2, 0, 1, 3}
	r := NewReassembler(time.Minute)

	var got []byte
	var ok bool
	for i, idx := range shuffled {
		payload, isComplete, err := r.Feed(fragments[idx])
		require.NoError(t, err)
		if i < len(shuffled)-1 {
			assert.False(t, isComplete)
		} else {
			got, ok = payload, isComplete
		}
	}

	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.False(t, r.Touch(rpcID), "reassembly buffer must be cleared once complete")
}

func TestReassemblerPassesThroughWholeMessages(t *testing.T) {
	r := NewReassembler(time.Minute)
	whole := []byte("i42e")
	payload, ok, err := r.Feed(whole)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, whole, payload)
}

func TestReassemblerSweepDropsStaleBuffers(t *testing.T) {
	maxPayload := 10
	data := make([]byte, maxPayload*2+1)
	fragments, err := Fragment(data, identifier.Generate(), maxPayload)
	require.NoError(t, err)
	require.Greater(t, len(fragments), 1)

	r := NewReassembler(time.Millisecond)
	_, ok, err := r.Feed(fragments[0])
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(5 * time.Millisecond)
	dropped := r.Sweep()
	assert.Equal(t, 1, dropped)
}
