package audio

const WAVHeaderSize = 44

// DataCallback receives little-endian PCM from a capture device. It runs on the
// device's own goroutine.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// CaptureConfigFor maps an encoding onto the capture device parameters.
func CaptureConfigFor(enc Encoding) CaptureConfig {
	return CaptureConfig{SampleRate: uint32(enc.SampleRate), Channels: uint32(enc.Channels)}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}
