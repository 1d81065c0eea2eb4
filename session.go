package main

import (
	"context"
	"fmt"
	"time"

	"nlustream/audio"
	"nlustream/clipboard"
	"nlustream/config"
	"nlustream/cue"
	"nlustream/engine"
	"nlustream/frame"
	"nlustream/log"
	"nlustream/request"
)

// source describes what a session sends.
type source struct {
	text   string
	actx   audio.Context // nil for text
	device *audio.DeviceInfo
}

func (s source) mode() string {
	if s.actx == nil {
		return "text"
	}
	if _, ok := s.actx.(*audio.FakeContext); ok {
		return "wav"
	}
	return "mic"
}

// session drives a single request from activation to completion and reports to a
// sink. Every method runs on the cooperative loop.
type session struct {
	eng  *engine.Engine
	cfg  *config.Config
	src  source
	sink EventSink
	copy bool

	req       *request.Request
	capture   audio.CaptureDevice
	audioDone <-chan struct{}
	silence   *audio.SilenceMonitor
	lastTick  time.Time
	stopped   bool
	started   time.Time

	finalText string
	intents   []string
	done      bool
	summary   Summary
}

func newSession(eng *engine.Engine, cfg *config.Config, src source, sink EventSink, copyText bool) *session {
	return &session{eng: eng, cfg: cfg, src: src, sink: sink, copy: copyText}
}

func (s *session) start(ctx context.Context) error {
	s.started = time.Now()
	ev := &request.Events{}
	ev.PartialTranscription.Subscribe(func(text string) { s.sink.Transcription(text, false) })
	ev.FullTranscription.Subscribe(func(text string) {
		s.finalText = text
		s.sink.Transcription(text, true)
	})
	ev.PartialResponse.Subscribe(func(f *frame.Frame) { s.understanding(f, false) })
	ev.FullResponse.Subscribe(func(f *frame.Frame) { s.understanding(f, true) })
	ev.StreamReady.Subscribe(func(*request.Request) {
		if s.src.mode() == "mic" {
			cue.Play(cue.Listening)
		}
		s.sink.StreamReady()
	})
	ev.Complete.Subscribe(s.complete)

	opts := request.Options{
		Immediate: s.cfg.Audio.Immediate,
		Threshold: s.cfg.Audio.Threshold,
	}

	var err error
	if s.src.actx == nil {
		s.req, err = s.eng.ActivateText(ctx, s.src.text, opts, ev)
	} else {
		s.req, err = s.eng.ActivateAudio(ctx, opts, ev)
		if err == nil {
			err = s.startCapture()
		}
	}
	if s.req == nil {
		// rejected before a request existed
		s.done = true
		s.summary = Summary{Outcome: request.StateFailed.String(), Message: err.Error(), Elapsed: time.Since(s.started)}
		s.sink.Finished(s.summary)
		return err
	}
	s.sink.RequestStart(s.req.ID(), s.src.mode())
	return err
}

func (s *session) startCapture() error {
	capture, err := s.src.actx.NewCapture(s.src.device, audio.CaptureConfigFor(s.eng.Config().Encoding))
	if err != nil {
		s.req.Cancel(fmt.Sprintf("capture init: %v", err))
		return fmt.Errorf("capture init: %w", err)
	}
	req := s.req
	capture.SetCallback(func(data []byte, _ uint32) {
		req.Write(data)
	})
	if err := capture.Start(); err != nil {
		capture.Close()
		s.req.Cancel(fmt.Sprintf("capture start: %v", err))
		return fmt.Errorf("capture start: %w", err)
	}
	s.capture = capture
	if fc, ok := capture.(*audio.FakeCapture); ok {
		s.audioDone = fc.AudioDone()
	}
	a := s.cfg.Audio
	if s.src.mode() == "mic" && (a.SilenceTimeout > 0 || a.MaxDuration > 0) {
		s.silence = audio.NewSilenceMonitor(a.SilenceTimeout/2, a.SilenceTimeout, a.MaxDuration)
	}
	return nil
}

func (s *session) understanding(f *frame.Frame, final bool) {
	var intents []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	}
	if err := f.Decode("intents", &intents); err != nil {
		log.Debugf("intents: %v", err)
	}
	names := make([]string, 0, len(intents))
	for _, in := range intents {
		names = append(names, fmt.Sprintf("%s (%.2f)", in.Name, in.Confidence))
	}
	s.intents = names
	s.sink.Understanding(names, final)
}

// tick advances capture supervision. Call it on every loop iteration.
func (s *session) tick(now time.Time) {
	if s.done || s.capture == nil || s.stopped {
		return
	}
	current, _ := s.req.Level()
	s.sink.AudioLevel(current)
	select {
	case <-s.audioDone:
		s.stop()
		return
	default:
	}
	if s.silence == nil || now.Sub(s.lastTick) < audio.TickInterval {
		return
	}
	s.lastTick = now
	ev := s.silence.Tick(current >= s.cfg.Audio.Threshold)
	if s.cfg.Audio.SilenceTimeout <= 0 && ev != audio.SilenceMaxLength {
		return
	}
	switch ev {
	case audio.SilenceWarn:
		s.sink.Notice("no voice detected")
	case audio.SilenceWarnClear:
		s.sink.Notice("")
	case audio.SilenceAutoClose:
		s.sink.Notice("stopped after silence")
		s.stop()
	case audio.SilenceMaxLength:
		s.sink.Notice("maximum duration reached")
		s.stop()
	}
}

// stop ends capture; the request keeps running until the server answers.
func (s *session) stop() {
	if s.stopped || s.req == nil {
		return
	}
	s.stopped = true
	if s.capture != nil {
		s.capture.Stop()
		s.capture.ClearCallback()
	}
	if s.src.mode() == "mic" {
		cue.Play(cue.Stopped)
	}
	s.req.DeactivateAudio()
}

func (s *session) cancel(reason string) {
	if s.req == nil || s.done {
		return
	}
	s.req.Cancel(reason)
}

func (s *session) complete(r *request.Request) {
	if s.capture != nil {
		s.capture.Stop()
		s.capture.ClearCallback()
		s.capture.Close()
	}
	res := r.Results()
	sum := Summary{
		ID:        r.ID(),
		Outcome:   r.Outcome().String(),
		Status:    res.StatusCode,
		Message:   res.Message,
		Text:      s.finalText,
		Intents:   s.intents,
		Frames:    res.Frames,
		Elapsed:   time.Since(s.started),
		Succeeded: r.Outcome() == request.StateSuccessful,
	}
	if sum.Text == "" {
		sum.Text = res.Transcription
	}
	if t := r.Tracker(); t != nil {
		sum.AudioMs = t.AudioDuration()
	}
	if r.Outcome() == request.StateFailed && s.src.mode() == "mic" {
		cue.Play(cue.Failed)
	}
	if sum.Succeeded && sum.Text != "" {
		log.TranscriptionText(sum.Text)
		if s.copy {
			if err := clipboard.Copy(sum.Text); err != nil {
				log.Warnf("clipboard: %v", err)
			} else {
				sum.Copied = true
			}
		}
	}
	s.done = true
	s.summary = sum
	s.sink.Finished(sum)
}
