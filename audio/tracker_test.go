package audio

import (
	"testing"
	"time"
)

func TestDurationOneSecond(t *testing.T) {
	tr := NewDurationTracker("req-1", Encoding{SampleRate: 16000, Channels: 1, BitsPerSample: 16})
	tr.AddBytes(32000)
	tr.FinalizeAudio()

	if got := tr.AudioDuration(); got != 1000.0 {
		t.Errorf("AudioDuration() = %v, want 1000", got)
	}
	if tr.RequestID() != "req-1" {
		t.Errorf("RequestID() = %q", tr.RequestID())
	}
	if tr.FinalizeTimestamp().IsZero() {
		t.Error("finalize timestamp not set")
	}
}

func TestDurationAccumulates(t *testing.T) {
	tests := []struct {
		name   string
		enc    Encoding
		writes []int
		want   float64
	}{
		{"mono16 chunks", DefaultEncoding, []int{8000, 8000, 16000}, 1000},
		{"stereo16", Encoding{SampleRate: 16000, Channels: 2, BitsPerSample: 16}, []int{32000}, 500},
		{"8bit", Encoding{SampleRate: 8000, Channels: 1, BitsPerSample: 8}, []int{4000}, 500},
		{"nothing", DefaultEncoding, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewDurationTracker("r", tt.enc)
			for _, n := range tt.writes {
				tr.AddBytes(n)
			}
			tr.FinalizeAudio()
			if got := tr.AudioDuration(); got != tt.want {
				t.Errorf("AudioDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	tr := NewDurationTracker("r", DefaultEncoding)
	tr.AddBytes(32000)
	tr.FinalizeAudio()
	first := tr.FinalizeTimestamp()

	time.Sleep(2 * time.Millisecond)
	if tr.AddBytes(32000) {
		t.Error("AddBytes after finalize should report false")
	}
	tr.FinalizeAudio()

	if got := tr.AudioDuration(); got != 1000 {
		t.Errorf("duration changed after second finalize: %v", got)
	}
	if !tr.FinalizeTimestamp().Equal(first) {
		t.Error("finalize timestamp changed")
	}
	if tr.BytesCaptured() != 32000 {
		t.Errorf("BytesCaptured() = %d, want 32000", tr.BytesCaptured())
	}
}

func TestDurationBeforeFinalize(t *testing.T) {
	tr := NewDurationTracker("r", DefaultEncoding)
	tr.AddBytes(64000)
	if got := tr.AudioDuration(); got != 0 {
		t.Errorf("AudioDuration() before finalize = %v, want 0", got)
	}
}
