package audio

import (
	"os"
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext replays a WAV file's PCM payload as if it came from a microphone.
type FakeContext struct {
	pcm      []byte
	realtime bool
	encoding Encoding
}

func NewFakeContext(wavPath string, enc Encoding, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return NewFakeContextPCM(data, enc, realtime), nil
}

func NewFakeContextPCM(pcm []byte, enc Encoding, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime, encoding: enc}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) { return nil, nil }
func (f *FakeContext) Close()                         {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{pcm: f.pcm, realtime: f.realtime, encoding: f.encoding, audioDone: make(chan struct{})}, nil
}

// FakeCapture delivers its PCM in fixed-size chunks from its own goroutine and
// signals AudioDone once the payload is exhausted. It does not loop or pad with
// silence.
type FakeCapture struct {
	pcm       []byte
	realtime  bool
	encoding  Encoding
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "wav" }

func (f *FakeCapture) chunkBytes() int {
	return fakeFrameSize * max(f.encoding.BytesPerSample()*f.encoding.Channels, 1)
}

func (f *FakeCapture) Start() error {
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	chunkBytes := f.chunkBytes()
	var interval time.Duration
	if f.realtime && f.encoding.SampleRate > 0 {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(f.encoding.SampleRate)
	}

	go func() {
		defer close(f.feedDone)
		defer close(f.audioDone)
		for pos := 0; pos < len(f.pcm); {
			select {
			case <-f.stopCh:
				return
			default:
			}

			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()
			end := min(pos+chunkBytes, len(f.pcm))
			if cb != nil {
				chunk := make([]byte, end-pos)
				copy(chunk, f.pcm[pos:end])
				cb(chunk, uint32(len(chunk)/max(f.encoding.BytesPerSample(), 1)))
			}
			pos = end

			if interval > 0 {
				select {
				case <-f.stopCh:
					return
				case <-time.After(interval):
				}
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() {}
