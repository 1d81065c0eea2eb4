package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// RMS returns the normalized root-mean-square level of little-endian 16-bit PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(n))
}

const gateDebounce = 2 // consecutive loud chunks before the gate opens

// LevelGate opens once the input has been louder than a threshold for a few
// consecutive chunks. It never closes again.
type LevelGate struct {
	threshold float64

	mu      sync.Mutex
	run     int
	open    bool
	peak    float64
	current float64
}

func NewLevelGate(threshold float64) *LevelGate {
	return &LevelGate{threshold: threshold}
}

// Process feeds one chunk and reports whether this chunk opened the gate.
func (g *LevelGate) Process(pcm []byte) bool {
	level := RMS(pcm)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = level
	if level > g.peak {
		g.peak = level
	}
	if g.open {
		return false
	}
	if g.threshold <= 0 {
		g.open = true
		return true
	}
	if level < g.threshold {
		g.run = 0
		return false
	}
	g.run++
	if g.run >= gateDebounce {
		g.open = true
		return true
	}
	return false
}

func (g *LevelGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Level returns the most recent chunk level and the peak seen so far.
func (g *LevelGate) Level() (current, peak float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.peak
}
