package audio

import "time"

const (
	TickInterval     = 100 * time.Millisecond
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // no voice detected
	SilenceWarnClear              // speech resumed after warning
	SilenceAutoClose              // whole window below threshold, deactivate
	SilenceMaxLength              // recording hit its length cap
)

// SilenceMonitor tracks a sliding window of per-tick speech flags and decides when a
// live recording should warn about or stop on silence.
type SilenceMonitor struct {
	warnAt   int
	windowSz int
	maxTicks int

	ticks       int
	window      []bool
	speechCount int
	warned      bool
}

// NewSilenceMonitor builds a monitor that warns after warnAfter of silence, closes
// after closeAfter of silence and closes unconditionally after maxLength. A zero
// maxLength disables the cap.
func NewSilenceMonitor(warnAfter, closeAfter, maxLength time.Duration) *SilenceMonitor {
	warnAt := max(int(warnAfter/TickInterval), 1)
	windowSz := max(int(closeAfter/TickInterval), warnAt)
	return &SilenceMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		maxTicks: int(maxLength / TickInterval),
		window:   make([]bool, windowSz),
	}
}

func (m *SilenceMonitor) ratio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *SilenceMonitor) Tick(hasSpeech bool) SilenceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	if m.maxTicks > 0 && m.ticks >= m.maxTicks {
		return SilenceMaxLength
	}

	// Auto-close: full window below threshold
	if m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		return SilenceAutoClose
	}

	r := m.ratio(m.warnAt)
	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		return SilenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return SilenceWarnClear
	}
	return SilenceNone
}

func (m *SilenceMonitor) Elapsed() time.Duration {
	return time.Duration(m.ticks) * TickInterval
}
