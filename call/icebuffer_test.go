package call

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]IceCandidate
}

func (r *flushRecorder) flush(batch []IceCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *flushRecorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *flushRecorder) batch(i int) []IceCandidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func makeCandidates(n int) []IceCandidate {
	out := make([]IceCandidate, n)
	for i := range out {
		out[i] = IceCandidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.1 5000%d typ host", i, i), SDPMid: "audio"}
	}
	return out
}

func TestCandidateBufferHoldsWhileGated(t *testing.T) {
	rec := &flushRecorder{}
	buf := newCandidateBuffer(newMockClock(), rec.flush)

	// Well past the threshold; nothing may leave before the gate opens.
	for _, c := range makeCandidates(iceBatchThreshold * 2) {
		buf.add(c)
	}
	assert.Equal(t, 0, rec.batchCount())

	buf.openGate()

	require.Equal(t, 1, rec.batchCount())
	assert.Len(t, rec.batch(0), iceBatchThreshold*2)
}

func TestCandidateBufferFlushesAtThreshold(t *testing.T) {
	rec := &flushRecorder{}
	buf := newCandidateBuffer(newMockClock(), rec.flush)
	buf.openGate()

	for _, c := range makeCandidates(iceBatchThreshold) {
		buf.add(c)
	}

	require.Equal(t, 1, rec.batchCount())
	assert.Len(t, rec.batch(0), iceBatchThreshold)
}

func TestCandidateBufferDebounceFlush(t *testing.T) {
	clock := newMockClock()
	rec := &flushRecorder{}
	buf := newCandidateBuffer(clock, rec.flush)
	buf.openGate()

	for _, c := range makeCandidates(3) {
		buf.add(c)
	}
	assert.Equal(t, 0, rec.batchCount())

	// Each add reset the debounce; only the newest timer may flush, and
	// it carries all three candidates.
	clock.fireTimers()
	require.Eventually(t, func() bool {
		return rec.batchCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batch(0), 3)
}

func TestCandidateBufferGappedCandidatesFlushIndividually(t *testing.T) {
	clock := newMockClock()
	rec := &flushRecorder{}
	buf := newCandidateBuffer(clock, rec.flush)
	buf.openGate()

	// The debounce expires between candidates, so each one travels alone.
	for i, c := range makeCandidates(3) {
		buf.add(c)
		clock.fireTimers()
		want := i + 1
		require.Eventually(t, func() bool {
			return rec.batchCount() == want
		}, time.Second, 5*time.Millisecond)
		assert.Len(t, rec.batch(i), 1)
	}
}

func TestCandidateBufferOpenGateWithoutBacklog(t *testing.T) {
	rec := &flushRecorder{}
	buf := newCandidateBuffer(newMockClock(), rec.flush)

	buf.openGate()
	buf.openGate()

	assert.Equal(t, 0, rec.batchCount())
}

func TestCandidateBufferCloseDropsPending(t *testing.T) {
	clock := newMockClock()
	rec := &flushRecorder{}
	buf := newCandidateBuffer(clock, rec.flush)
	buf.openGate()

	for _, c := range makeCandidates(5) {
		buf.add(c)
	}
	buf.close()
	buf.add(IceCandidate{Candidate: "candidate:late"})

	// A debounce timer armed before close must find nothing to send.
	clock.fireTimers()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.batchCount())
}
