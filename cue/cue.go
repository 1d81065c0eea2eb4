// Package cue plays short tones that mark microphone capture starting, stopping and
// failing. Playback is best effort: a missing output device silently disables it.
package cue

import (
	"math"
	"sync/atomic"
	"time"
)

const sampleRate = 44100

// Tone is a decaying sine burst, optionally repeated after a gap.
type Tone struct {
	Freq     float64
	Volume   float64
	Decay    float64
	Duration time.Duration
	Repeat   int
	Gap      time.Duration
}

var (
	Listening = Tone{Freq: 1200, Volume: 0.5, Decay: 60, Duration: 200 * time.Millisecond}
	Stopped   = Tone{Freq: 900, Volume: 0.5, Decay: 40, Duration: 200 * time.Millisecond}
	Failed    = Tone{Freq: 350, Volume: 0.6, Decay: 30, Duration: 80 * time.Millisecond, Repeat: 1, Gap: 50 * time.Millisecond}
)

var enabled atomic.Bool

// Enable turns playback on or off. Cues start disabled.
func Enable(on bool) { enabled.Store(on) }

func Enabled() bool { return enabled.Load() }

// Play renders t and hands it to the platform player without blocking.
func Play(t Tone) {
	if !enabled.Load() {
		return
	}
	play(t.Samples(sampleRate))
}

// Samples renders the tone as interleaved stereo PCM16.
func (t Tone) Samples(rate int) []int16 {
	burst := burst(rate, t.Freq, t.Duration.Seconds(), t.Volume, t.Decay)
	gap := make([]int16, int(float64(rate)*t.Gap.Seconds())*2)
	out := make([]int16, 0, (len(burst)+len(gap))*(t.Repeat+1))
	out = append(out, burst...)
	for range t.Repeat {
		out = append(out, gap...)
		out = append(out, burst...)
	}
	return out
}

func burst(rate int, freq, seconds, volume, decay float64) []int16 {
	n := int(float64(rate) * seconds)
	samples := make([]int16, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(rate)
		envelope := math.Exp(-t * decay)
		s := int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
		samples[i*2] = s
		samples[i*2+1] = s
	}
	return samples
}

func toBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf
}
