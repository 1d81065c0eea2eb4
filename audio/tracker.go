package audio

import (
	"sync"
	"time"
)

// DurationTracker accounts for the audio a single request has streamed. The byte
// counter only grows; the duration is computed once, at finalize.
type DurationTracker struct {
	requestID string
	encoding  Encoding

	mu         sync.Mutex
	bytes      int64
	finalized  bool
	finalizeAt time.Time
	durationMs float64
}

func NewDurationTracker(requestID string, enc Encoding) *DurationTracker {
	return &DurationTracker{requestID: requestID, encoding: enc}
}

// AddBytes records n streamed bytes. It reports false, and records nothing, once
// the tracker has been finalized.
func (t *DurationTracker) AddBytes(n int) bool {
	if n <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.bytes += int64(n)
	return true
}

// FinalizeAudio stamps the finalize time and computes the duration. Only the first
// call has an effect.
func (t *DurationTracker) FinalizeAudio() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	t.finalized = true
	t.finalizeAt = time.Now()
	if bps := t.encoding.BytesPerSecond(); bps > 0 {
		t.durationMs = float64(t.bytes) / float64(bps) * 1000
	}
}

// AudioDuration returns the finalized duration in milliseconds, 0 before finalize.
func (t *DurationTracker) AudioDuration() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationMs
}

func (t *DurationTracker) FinalizeTimestamp() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalizeAt
}

func (t *DurationTracker) BytesCaptured() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

func (t *DurationTracker) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

func (t *DurationTracker) RequestID() string { return t.requestID }
