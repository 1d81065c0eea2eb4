package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodingDerived(t *testing.T) {
	e := DefaultEncoding
	if e.BytesPerSample() != 2 {
		t.Errorf("BytesPerSample() = %d", e.BytesPerSample())
	}
	if e.BytesPerSecond() != 32000 {
		t.Errorf("BytesPerSecond() = %d", e.BytesPerSecond())
	}
	want := "audio/raw;encoding=signed-integer;bits=16;rate=16000;endian=little"
	if got := e.ContentType(); got != want {
		t.Errorf("ContentType() = %q, want %q", got, want)
	}
}

func TestEncodingValidate(t *testing.T) {
	for _, tt := range []struct {
		name string
		enc  Encoding
		ok   bool
	}{
		{"default", DefaultEncoding, true},
		{"zero rate", Encoding{Channels: 1, BitsPerSample: 16}, false},
		{"zero channels", Encoding{SampleRate: 16000, BitsPerSample: 16}, false},
		{"odd bits", Encoding{SampleRate: 16000, Channels: 1, BitsPerSample: 12}, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.enc.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, ok want %v", err, tt.ok)
			}
		})
	}
}

func pcmOf(sample int16, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := RMS(pcmOf(0, 100)); got != 0 {
		t.Errorf("RMS(silence) = %v", got)
	}
	got := RMS(pcmOf(16384, 100))
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
}

func TestLevelGateOpensAfterDebounce(t *testing.T) {
	g := NewLevelGate(0.1)
	loud := pcmOf(8000, 256)
	quiet := pcmOf(10, 256)

	if g.Process(quiet) || g.Process(loud) {
		t.Fatal("gate opened too early")
	}
	if g.Process(quiet) {
		t.Fatal("quiet chunk opened gate")
	}
	if g.Process(loud) {
		t.Fatal("debounce reset ignored")
	}
	if !g.Process(loud) {
		t.Fatal("expected gate to open on second consecutive loud chunk")
	}
	if g.Process(loud) {
		t.Error("gate should report opening only once")
	}
	if !g.Open() {
		t.Error("Open() = false")
	}
	if _, peak := g.Level(); peak <= 0.1 {
		t.Errorf("peak = %v", peak)
	}
}

func TestLevelGateZeroThreshold(t *testing.T) {
	g := NewLevelGate(0)
	if !g.Process(pcmOf(0, 10)) {
		t.Error("zero threshold should open on first chunk")
	}
}
