// Package request implements the lifecycle of one NLU request: state transitions,
// response classification and event delivery. Everything except Write runs on the
// cooperative loop that drains the request's dispatcher.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nlustream/audio"
	"nlustream/dispatch"
	"nlustream/frame"
	"nlustream/log"
	"nlustream/transport"
)

var (
	ErrNotInitialized = errors.New("request not initialized")
	ErrBadTransition  = errors.New("invalid state transition")
	ErrNotAudio       = errors.New("not an audio request")
	ErrFinished       = errors.New("request finished")
)

type Options struct {
	RequestID string
	Path      string
	Query     map[string]string
	Timeout   time.Duration
	Encoding  audio.Encoding
	Immediate bool    // transmit on activation instead of waiting for the level gate
	Threshold float64 // RMS level that opens the gate; <= 0 opens on the first chunk
}

// Stream is the outbound side of an open transport session.
type Stream interface {
	Write(p []byte) (int, error)
	CloseWrite() int64
	Abort(cause error)
}

// Opener starts the transport for r. The listener must only be invoked through the
// request's dispatcher.
type Opener func(r *Request, l transport.Listener) (Stream, error)

type Deps struct {
	Queue     dispatch.Dispatcher
	Open      Opener
	Preflight func(*Request) *Error // engine-level checks: config, token, network
	Debug     bool                  // include raw frames in protocol errors
}

type Results struct {
	Response      *frame.Frame
	Transcription string
	StatusCode    int
	Message       string
	ErrorKind     ErrorKind
	Frames        int
}

type Request struct {
	id      string
	kind    Kind
	opts    Options
	deps    Deps
	events  *Events
	payload []byte

	tracker *audio.DurationTracker
	gate    *audio.LevelGate

	state       State
	outcome     State
	initialized bool
	results     Results
	started     time.Time

	smu    sync.Mutex
	stream Stream
	closed bool // outbound side closed, locally or by the remote end

	transmitQueued atomic.Bool
	finished       atomic.Bool
}

// New creates a request in the Created state and publishes Created.
func New(kind Kind, opts Options, payload []byte, events *Events, deps Deps) *Request {
	if events == nil {
		events = &Events{}
	}
	r := &Request{
		id:      opts.RequestID,
		kind:    kind,
		opts:    opts,
		deps:    deps,
		events:  events,
		payload: payload,
	}
	if kind == KindAudio {
		r.tracker = audio.NewDurationTracker(r.id, opts.Encoding)
		r.gate = audio.NewLevelGate(opts.Threshold)
	}
	r.events.Created.publish(r)
	return r
}

func (r *Request) ID() string                      { return r.id }
func (r *Request) Kind() Kind                      { return r.kind }
func (r *Request) Options() Options                { return r.opts }
func (r *Request) Payload() []byte                 { return r.payload }
func (r *Request) State() State                    { return r.state }
func (r *Request) Events() *Events                 { return r.events }
func (r *Request) Tracker() *audio.DurationTracker { return r.tracker }

// Results returns a copy of the current results.
func (r *Request) Results() Results { return r.results }

// Active reports whether the request has not completed yet. Safe from any goroutine.
func (r *Request) Active() bool { return !r.finished.Load() }

// Level returns the current and peak input level of an audio request.
func (r *Request) Level() (current, peak float64) {
	if r.gate == nil {
		return 0, 0
	}
	return r.gate.Level()
}

func (r *Request) setState(to State) error {
	if !r.initialized && to != StateInitialized {
		return fmt.Errorf("%w: %s -> %s", ErrNotInitialized, r.state, to)
	}
	if to <= r.state {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, r.state, to)
	}
	from := r.state
	r.state = to
	log.Debugf("request %s: %s -> %s", r.id, from, to)
	r.events.StateChanged.publish(StateChange{From: from, To: to})
	return nil
}

// Initialize moves a fresh request to Initialized.
func (r *Request) Initialize() error {
	if r.initialized {
		return fmt.Errorf("%w: already initialized", ErrBadTransition)
	}
	r.initialized = true
	if err := r.setState(StateInitialized); err != nil {
		return err
	}
	r.events.Initialized.publish(r)
	return nil
}

// SendError runs the synchronous preflight and returns its message, or "" when the
// request may be sent.
func (r *Request) SendError() string {
	if err := r.preflight(); err != nil {
		return err.Message
	}
	return ""
}

func (r *Request) preflight() *Error {
	if r.deps.Preflight != nil {
		if err := r.deps.Preflight(r); err != nil {
			return err
		}
	}
	if r.kind == KindAudio && r.events.StreamReady.Len() == 0 {
		return newError(KindPreflight, CodeNoStreamReader, MsgNoStreamReader)
	}
	return nil
}

// Preflight fails the request when SendError reports a problem. The request then
// goes straight to Failed and Completed.
func (r *Request) Preflight() error {
	if err := r.preflight(); err != nil {
		r.finish(StateFailed, err)
		return err
	}
	return nil
}

// ActivateAudio marks an audio request as capturing.
func (r *Request) ActivateAudio() error {
	if r.kind != KindAudio {
		return ErrNotAudio
	}
	return r.setState(StateAudioActivated)
}

// Transmit opens the transport. Audio requests must be activated first.
func (r *Request) Transmit() error {
	if r.state.Terminal() {
		return ErrFinished
	}
	if r.kind == KindAudio && r.state != StateAudioActivated {
		return fmt.Errorf("%w: transmit from %s", ErrBadTransition, r.state)
	}
	if err := r.setState(StateTransmitting); err != nil {
		return err
	}
	r.started = time.Now()
	s, err := r.deps.Open(r, listener{r})
	if err != nil {
		r.finish(StateFailed, newError(KindTransport, CodeGeneral, err.Error()))
		return err
	}
	r.smu.Lock()
	r.stream = s
	r.smu.Unlock()
	return nil
}

func (r *Request) gatedTransmit() {
	if r.state != StateAudioActivated {
		return
	}
	if err := r.Transmit(); err != nil {
		log.Warnf("request %s: transmit: %v", r.id, err)
	}
}

// Write feeds captured audio. It is the only method safe to call from the producer
// goroutine. Chunks that arrive before the stream is ready or after it closed are
// dropped and reported through the returned error.
func (r *Request) Write(p []byte) (int, error) {
	if r.kind != KindAudio {
		return 0, ErrNotAudio
	}
	if r.finished.Load() {
		return 0, ErrFinished
	}
	if r.gate.Process(p) && !r.opts.Immediate && r.transmitQueued.CompareAndSwap(false, true) {
		r.deps.Queue.Enqueue(r.gatedTransmit)
	}

	r.smu.Lock()
	s, closed := r.stream, r.closed
	r.smu.Unlock()
	if closed {
		return 0, transport.ErrStreamClosed
	}
	if s == nil {
		return 0, transport.ErrStreamNotReady
	}
	n, err := s.Write(p)
	if n > 0 {
		r.tracker.AddBytes(n)
	}
	return n, err
}

// DeactivateAudio ends capture: the tracker is finalized and the outbound stream is
// closed. A stream that carried no audio cancels the request.
func (r *Request) DeactivateAudio() {
	if r.kind != KindAudio || r.state.Terminal() {
		return
	}
	r.tracker.FinalizeAudio()

	r.smu.Lock()
	s, already := r.stream, r.closed
	r.closed = true
	r.smu.Unlock()
	if already {
		return
	}
	var written int64
	if s != nil {
		written = s.CloseWrite()
	}
	if written == 0 {
		r.streamClosedEmpty()
	}
}

func (r *Request) streamClosedEmpty() {
	if r.results.ErrorKind != KindNone {
		return
	}
	r.finish(StateCanceled, newError(KindCancellation, CodeCanceled, MsgEmptyStream))
}

// Cancel ends the request as Canceled. It has no effect once an outcome exists.
func (r *Request) Cancel(reason string) {
	if r.state.Terminal() {
		return
	}
	if reason == "" {
		reason = MsgCanceled
	}
	r.finish(StateCanceled, newError(KindCancellation, CodeCanceled, reason))
}

func (r *Request) onStreamReady() {
	if r.state != StateTransmitting {
		return
	}
	r.events.StreamReady.publish(r)
}

func (r *Request) onStreamClosed(written int64, err error) {
	if r.state.Terminal() {
		log.Debugf("request %s: stream closed after outcome: %v", r.id, err)
		return
	}
	log.Warnf("request %s: stream closed by remote after %d bytes: %v", r.id, written, err)
	r.smu.Lock()
	r.closed = true
	r.smu.Unlock()
	if r.kind == KindAudio && written == 0 {
		r.streamClosedEmpty()
	}
}

func (r *Request) onFrame(raw string) {
	if r.state.Terminal() {
		log.Debugf("request %s: dropping frame after outcome", r.id)
		return
	}
	r.results.Frames++
	f, err := frame.Parse(raw)
	if err != nil {
		r.finish(StateFailed, r.protocolError(CodeInvalidData, MsgInvalidData, raw))
		return
	}
	if msg, code, hasCode, ok := f.ServerError(); ok {
		if !hasCode {
			code = CodeGeneral
		}
		r.finish(StateFailed, r.protocolError(code, msg, raw))
		return
	}

	final := f.IsFinal()
	if text := f.Transcription(); text != "" && (r.results.Response == nil || final) {
		r.results.Transcription = text
		if final {
			r.events.FullTranscription.publish(text)
		} else {
			r.events.PartialTranscription.publish(text)
		}
	}
	if f.HasResponseData() {
		r.results.Response = f
		if final {
			r.events.FullResponse.publish(f)
		} else {
			r.events.PartialResponse.publish(f)
		}
	}
}

func (r *Request) protocolError(code int, msg, raw string) *Error {
	if r.deps.Debug {
		msg = fmt.Sprintf("%s [frame: %s]", msg, raw)
	}
	return newError(KindProtocol, code, msg)
}

func (r *Request) onDone(o transport.Outcome) {
	if m := o.Metrics; m != nil {
		log.NetworkMetrics(r.id, log.Network{
			DNSMs:      ms(m.DNS),
			TCPMs:      ms(m.TCP),
			TLSMs:      ms(m.TLS),
			TTFBMs:     ms(m.TTFB),
			TotalMs:    ms(m.Total),
			ConnReused: m.ConnReused,
		})
	}
	if r.state.Terminal() {
		log.Debugf("request %s: transport finished after outcome (%v)", r.id, o.Err)
		return
	}
	switch {
	case o.TimedOut:
		r.finish(StateFailed, newErrorf(KindTimeout, CodeTimeout,
			"Request timed out after %.1f seconds (%s).", o.Elapsed.Seconds(), o.Phase))
	case o.Aborted:
		r.finish(StateCanceled, newError(KindCancellation, CodeCanceled, MsgCanceled))
	case o.Err != nil:
		r.finish(StateFailed, newError(KindTransport, CodeGeneral, o.Err.Error()))
	case o.StatusCode < 200 || o.StatusCode > 299:
		r.finish(StateFailed, newError(KindTransport, o.StatusCode, httpErrorMessage(o.StatusCode, o.Body)))
	case r.results.Response != nil:
		r.finish(StateSuccessful, nil)
	case r.results.Frames == 0:
		r.finish(StateFailed, newError(KindProtocol, CodeNoData, MsgNoData))
	default:
		r.finish(StateFailed, newError(KindProtocol, CodeNoData, MsgNoValidResp))
	}
}

// httpErrorMessage prefers the error field of a JSON error body.
func httpErrorMessage(status int, body string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if b := strings.TrimSpace(body); b != "" {
		return fmt.Sprintf("HTTP %d: %s", status, b)
	}
	return fmt.Sprintf("HTTP %d", status)
}

// finish records the outcome, fires its event and completes the request. Only the
// first call has any effect.
func (r *Request) finish(outcome State, err *Error) {
	if r.state.Terminal() {
		return
	}
	if !r.initialized {
		log.Errorf("request %s: %v: %s -> %s", r.id, ErrNotInitialized, r.state, outcome)
		return
	}
	if err != nil {
		r.results.StatusCode = err.Code
		r.results.Message = err.Message
		r.results.ErrorKind = err.Kind
	} else {
		r.results.StatusCode = CodeOK
	}
	r.outcome = outcome
	if e := r.setState(outcome); e != nil {
		log.Errorf("request %s: %v", r.id, e)
		return
	}
	switch outcome {
	case StateSuccessful:
		res := r.results
		r.events.Success.publish(&res)
	case StateFailed:
		r.events.Failure.publish(err)
	case StateCanceled:
		r.events.Cancel.publish(err)
	}
	r.complete()
}

func (r *Request) complete() {
	r.finished.Store(true)
	if r.tracker != nil {
		r.tracker.FinalizeAudio()
	}
	r.smu.Lock()
	s, closed := r.stream, r.closed
	r.stream, r.closed = nil, true
	r.smu.Unlock()
	if s != nil {
		if !closed {
			s.CloseWrite()
		}
		s.Abort(nil)
	}
	r.logEnd()
	if err := r.setState(StateCompleted); err != nil {
		log.Errorf("request %s: %v", r.id, err)
	}
	r.events.Complete.publish(r)
	r.events.clear()
}

// Outcome returns the terminal state recorded before completion.
func (r *Request) Outcome() State { return r.outcome }

func (r *Request) logEnd() {
	o := log.Outcome{
		RequestID:  r.id,
		Kind:       r.kind.String(),
		State:      r.outcome.String(),
		StatusCode: r.results.StatusCode,
		Message:    r.results.Message,
		Frames:     r.results.Frames,
	}
	if !r.started.IsZero() {
		o.ElapsedMs = float64(time.Since(r.started).Microseconds()) / 1000
	}
	if r.tracker != nil {
		o.AudioMs = r.tracker.AudioDuration()
		o.SentBytes = r.tracker.BytesCaptured()
	}
	log.RequestEnd(o)
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// listener adapts transport callbacks onto the request.
type listener struct{ r *Request }

func (l listener) OnStreamReady()                  { l.r.onStreamReady() }
func (l listener) OnStreamClosed(n int64, e error) { l.r.onStreamClosed(n, e) }
func (l listener) OnFrame(raw string)              { l.r.onFrame(raw) }
func (l listener) OnDone(o transport.Outcome)      { l.r.onDone(o) }
