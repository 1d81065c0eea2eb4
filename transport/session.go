// Package transport performs the HTTP exchange behind one NLU request. All blocking
// work happens on the session goroutine; results reach the owner through a
// dispatch.Dispatcher so they are observed on the owner's cooperative loop.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nlustream/dispatch"
	"nlustream/frame"
)

var (
	ErrStreamNotReady = errors.New("request stream not ready")
	ErrStreamClosed   = errors.New("request stream closed")
	ErrTimeout        = errors.New("request timed out")
	ErrAborted        = errors.New("request aborted")
)

type Phase string

const (
	PhaseConnecting       Phase = "connecting"
	PhaseAwaitingStream   Phase = "awaiting request stream"
	PhaseStreaming        Phase = "streaming request"
	PhaseAwaitingResponse Phase = "awaiting response"
	PhaseReading          Phase = "reading response"
)

const maxErrorBody = 4096

// Listener receives session events on the dispatcher's consumer.
type Listener interface {
	OnStreamReady()
	OnStreamClosed(written int64, err error)
	OnFrame(raw string)
	OnDone(Outcome)
}

type Config struct {
	Method    string
	URL       string
	Header    http.Header
	Body      []byte // fixed-length payload; ignored when Streaming
	Streaming bool   // chunked body fed through Write
	Timeout   time.Duration
	Delimiter string
	Client    *http.Client
}

// Outcome describes how the exchange ended.
type Outcome struct {
	StatusCode int
	Err        error
	TimedOut   bool
	Aborted    bool
	Phase      Phase // phase in which the exchange ended
	Body       string
	Frames     int
	Elapsed    time.Duration
	Metrics    *NetworkMetrics
}

type Session struct {
	cfg      Config
	listener Listener
	dispatch dispatch.Dispatcher
	ctx      context.Context
	cancel   context.CancelCauseFunc
	started  time.Time
	phase    atomic.Value
	metrics  metricsRecorder
	done     chan struct{}

	pr *io.PipeReader

	mu          sync.Mutex
	writer      *io.PipeWriter // nil until ready and again once closed
	pending     *io.PipeWriter
	writeClosed bool
	written     int64
	inflight    sync.WaitGroup // writes that hold a pipe writer
}

// Start builds the request and launches the exchange. The returned error only covers
// request construction; everything after that is reported through the listener.
func Start(parent context.Context, cfg Config, l Listener, d dispatch.Dispatcher) (*Session, error) {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = frame.DefaultDelimiter
	}

	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{
		cfg:      cfg,
		listener: l,
		dispatch: d,
		ctx:      ctx,
		cancel:   cancel,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	s.phase.Store(PhaseConnecting)
	s.metrics.onWrote = func() { s.setPhase(PhaseAwaitingResponse) }

	reqCtx := ctx
	var stopTimer context.CancelFunc = func() {}
	if cfg.Timeout > 0 {
		reqCtx, stopTimer = context.WithTimeoutCause(ctx, cfg.Timeout, ErrTimeout)
	}

	var body io.Reader
	if cfg.Streaming {
		pr, pw := io.Pipe()
		s.pr, s.pending = pr, pw
		body = pr
		s.metrics.onHeaders = s.publishWriter
	} else if cfg.Body != nil {
		body = bytes.NewReader(cfg.Body)
	}

	req, err := http.NewRequestWithContext(s.metrics.trace(reqCtx), cfg.Method, cfg.URL, body)
	if err != nil {
		stopTimer()
		cancel(err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if cfg.Streaming {
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		// unblock a producer stuck in Write once the deadline or an abort hits
		context.AfterFunc(reqCtx, func() {
			s.pr.CloseWithError(context.Cause(reqCtx))
		})
	}

	go func() {
		defer close(s.done)
		defer s.cancel(nil)
		defer stopTimer()
		outcome := s.exchange(reqCtx, req)
		outcome.Elapsed = time.Since(s.started)
		outcome.Metrics = s.metrics.snapshot(outcome.Elapsed)
		s.closeWriter()
		s.dispatch.Enqueue(func() { s.listener.OnDone(outcome) })
	}()
	return s, nil
}

func (s *Session) exchange(ctx context.Context, req *http.Request) Outcome {
	if s.cfg.Streaming {
		s.setPhase(PhaseAwaitingStream)
	}
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return s.failed(ctx, 0, err)
	}
	defer resp.Body.Close()

	out := Outcome{StatusCode: resp.StatusCode}
	s.setPhase(PhaseReading)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		out.Body = string(b)
		out.Phase = s.Phase()
		return out
	}

	fr := frame.NewReader(resp.Body, s.cfg.Delimiter)
	for {
		raw, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			failed := s.failed(ctx, resp.StatusCode, err)
			failed.Frames = out.Frames
			return failed
		}
		out.Frames++
		s.dispatch.Enqueue(func() { s.listener.OnFrame(raw) })
	}
	out.Phase = s.Phase()
	return out
}

func (s *Session) failed(ctx context.Context, status int, err error) Outcome {
	out := Outcome{StatusCode: status, Err: err, Phase: s.Phase()}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrTimeout):
			out.TimedOut = true
		default:
			out.Aborted = true
		}
		out.Err = cause
	}
	return out
}

// publishWriter runs on the transport goroutine once headers are on the wire.
func (s *Session) publishWriter() {
	s.mu.Lock()
	if s.writeClosed || s.pending == nil {
		s.mu.Unlock()
		return
	}
	s.writer, s.pending = s.pending, nil
	s.mu.Unlock()

	s.setPhase(PhaseStreaming)
	s.dispatch.Enqueue(s.listener.OnStreamReady)
}

// Write appends p to the chunked request body. It returns ErrStreamNotReady before
// the request headers are sent and ErrStreamClosed after the stream was closed,
// locally or by the remote end.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.writer
	closed := s.writeClosed
	if w != nil {
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	if w == nil {
		if closed {
			return 0, ErrStreamClosed
		}
		return 0, ErrStreamNotReady
	}

	n, err := w.Write(p)
	defer s.inflight.Done()

	s.mu.Lock()
	s.written += int64(n)
	written := s.written
	report := false
	if err != nil && !s.writeClosed {
		s.writer = nil
		s.writeClosed = true
		report = true
	}
	s.mu.Unlock()

	if err != nil {
		if report {
			s.dispatch.Enqueue(func() { s.listener.OnStreamClosed(written, err) })
		}
		return n, fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return n, nil
}

// CloseWrite ends the request body and returns the number of bytes written,
// including whatever part of an in-flight write the server consumed. It never blocks
// on the network: closing the pipe releases a pending write at once.
func (s *Session) CloseWrite() int64 {
	s.mu.Lock()
	w := s.writer
	if w == nil {
		w = s.pending
	}
	s.writer, s.pending = nil, nil
	s.writeClosed = true
	s.mu.Unlock()

	if w != nil {
		w.Close()
	}
	s.inflight.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Session) closeWriter() {
	s.mu.Lock()
	w := s.writer
	if w == nil {
		w = s.pending
	}
	s.writer, s.pending = nil, nil
	s.writeClosed = true
	s.mu.Unlock()
	if w != nil {
		w.CloseWithError(ErrStreamClosed)
	}
}

// Abort cancels the exchange. The outcome still arrives through OnDone.
func (s *Session) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	if !errors.Is(cause, ErrAborted) {
		cause = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	s.cancel(cause)
}

func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Session) Streaming() bool { return s.cfg.Streaming }

func (s *Session) Phase() Phase { return s.phase.Load().(Phase) }

func (s *Session) setPhase(p Phase) { s.phase.Store(p) }

func (s *Session) Done() <-chan struct{} { return s.done }
