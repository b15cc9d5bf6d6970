package call

import (
	"sync"
	"time"
)

const (
	// iceBatchThreshold flushes the buffer immediately once this many
	// candidates are pending.
	iceBatchThreshold = 24

	// iceDebounceInterval flushes the buffer when no new candidate has
	// arrived for this long. The timer resets on every new candidate
	// below the threshold.
	iceDebounceInterval = 100 * time.Millisecond
)

// candidateBuffer batches locally generated ICE candidates before
// transmission. Candidates queue while the gate is closed; opening the
// gate flushes everything buffered so far in one batch. The buffer is
// owned by a single PeerSession and times its debounce through the
// session's clock.
type candidateBuffer struct {
	mu      sync.Mutex
	clock   TimeProvider
	flush   func(batch []IceCandidate)
	pending []IceCandidate
	gen     uint64
	ready   bool
	closed  bool
}

func newCandidateBuffer(clock TimeProvider, flush func(batch []IceCandidate)) *candidateBuffer {
	return &candidateBuffer{clock: clock, flush: flush}
}

// add buffers one candidate. While the gate is closed nothing is sent;
// once open, the threshold and debounce rules decide when to flush.
func (b *candidateBuffer) add(candidate IceCandidate) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, candidate)
	if !b.ready {
		b.mu.Unlock()
		return
	}
	// Every add starts a new generation; an older debounce timer that
	// fires later finds itself stale and does nothing.
	b.gen++
	if len(b.pending) >= iceBatchThreshold {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(batch)
		return
	}
	gen := b.gen
	timer := b.clock.After(iceDebounceInterval)
	b.mu.Unlock()

	go func() {
		<-timer
		b.debounceFired(gen)
	}()
}

// openGate marks the session ready to transmit and flushes the backlog
// accumulated while gated, as one batch.
func (b *candidateBuffer) openGate() {
	b.mu.Lock()
	if b.closed || b.ready {
		b.mu.Unlock()
		return
	}
	b.ready = true
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	b.flush(batch)
}

// close drops pending candidates and invalidates any outstanding
// debounce timer. Used at session teardown; further adds are no-ops.
func (b *candidateBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
}

// debounceFired flushes the pending batch unless a newer candidate has
// restarted the debounce since this timer was armed.
func (b *candidateBuffer) debounceFired(gen uint64) {
	b.mu.Lock()
	if b.closed || !b.ready || gen != b.gen || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	b.flush(batch)
}

func (b *candidateBuffer) takeLocked() []IceCandidate {
	batch := b.pending
	b.pending = nil
	return batch
}
