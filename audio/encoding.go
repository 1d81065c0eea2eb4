package audio

import (
	"errors"
	"fmt"
)

// Encoding describes raw PCM as sent on the wire. Values are immutable once built.
type Encoding struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultEncoding is 16 kHz mono signed 16-bit, the format the capture sources produce.
var DefaultEncoding = Encoding{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (e Encoding) BytesPerSample() int { return e.BitsPerSample / 8 }

func (e Encoding) BytesPerSecond() int {
	return e.SampleRate * e.Channels * e.BytesPerSample()
}

// ContentType is the Content-Type header for a raw PCM upload in this encoding.
func (e Encoding) ContentType() string {
	return fmt.Sprintf("audio/raw;encoding=signed-integer;bits=%d;rate=%d;endian=little",
		e.BitsPerSample, e.SampleRate)
}

func (e Encoding) Validate() error {
	if e.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", e.SampleRate)
	}
	if e.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", e.Channels)
	}
	if e.BitsPerSample <= 0 || e.BitsPerSample%8 != 0 {
		return errors.New("bits per sample must be a positive multiple of 8")
	}
	return nil
}

func (e Encoding) String() string {
	return fmt.Sprintf("PCM%d %dHz %dch", e.BitsPerSample, e.SampleRate, e.Channels)
}
