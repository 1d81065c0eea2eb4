//go:build !linux

package cue

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// player keeps one playback device open; the callback streams whatever buffer is
// current and falls back to silence.
type player struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	buf    atomic.Pointer[[]byte]
	pos    atomic.Uint32
	mu     sync.Mutex
}

var (
	out     *player
	outOnce sync.Once
)

func play(samples []int16) {
	outOnce.Do(func() { out = newPlayer() })
	if out != nil {
		out.start(toBytes(samples))
	}
}

func newPlayer() *player {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil
	}
	p := &player{ctx: ctx}
	if err := p.initDevice(); err != nil {
		ctx.Uninit()
		return nil
	}
	return p
}

func (p *player) initDevice() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 2
	cfg.SampleRate = sampleRate
	dev, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{Data: p.fill})
	if err != nil {
		return err
	}
	p.device = dev
	return nil
}

func (p *player) fill(output, _ []byte, frameCount uint32) {
	clear(output)
	samples := p.buf.Load()
	if samples == nil {
		return
	}
	pos := p.pos.Load()
	remaining := uint32(len(*samples)) - pos
	if remaining == 0 {
		p.buf.Store(nil)
		return
	}
	n := min(frameCount*4, remaining, uint32(len(output)))
	copy(output[:n], (*samples)[pos:pos+n])
	p.pos.Store(pos + n)
}

func (p *player) start(samples []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.device.Stop()
	p.pos.Store(0)
	p.buf.Store(&samples)
	if err := p.device.Start(); err != nil {
		// the device can go stale after sleep; rebuild once
		p.device.Uninit()
		if p.initDevice() != nil || p.device.Start() != nil {
			p.buf.Store(nil)
		}
	}
}
