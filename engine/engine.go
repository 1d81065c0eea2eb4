// Package engine creates NLU requests and wires each one to a transport session and
// the shared cooperative queue.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nlustream/audio"
	"nlustream/dispatch"
	"nlustream/frame"
	"nlustream/log"
	"nlustream/request"
	"nlustream/transport"
)

const (
	DefaultTextPath  = "event"
	DefaultAudioPath = "speech"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "nlustream/1.0"
	DefaultVersion   = "20240304"
)

var ErrNoText = errors.New("empty text")

type Config struct {
	Endpoint   string // base URL, e.g. https://api.example.com
	APIVersion string
	Token      string
	UserAgent  string
	Timeout    time.Duration
	Delimiter  string
	Encoding   audio.Encoding
	Debug      bool
}

// HeaderProvider returns extra headers for r. They override the defaults.
type HeaderProvider func(r *request.Request) http.Header

// URIRewriter may replace the request URL right before sending.
type URIRewriter func(u *url.URL) *url.URL

type Option func(*Engine)

func WithClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

func WithQueue(q *dispatch.Queue) Option { return func(e *Engine) { e.queue = q } }

func WithHeaderProvider(h HeaderProvider) Option { return func(e *Engine) { e.headers = h } }

func WithURIRewriter(fn URIRewriter) Option { return func(e *Engine) { e.rewrite = fn } }

// WithConnectivity replaces the network availability check used during preflight.
func WithConnectivity(fn func() bool) Option { return func(e *Engine) { e.online = fn } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

type Engine struct {
	cfg     Config
	client  *http.Client
	queue   *dispatch.Queue
	headers HeaderProvider
	rewrite URIRewriter
	online  func() bool
	tracer  trace.Tracer

	mu     sync.Mutex
	active map[*request.Request]struct{}
	total  int
}

func New(cfg Config, opts ...Option) *Engine {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = frame.DefaultDelimiter
	}
	if cfg.Encoding == (audio.Encoding{}) {
		cfg.Encoding = audio.DefaultEncoding
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	e := &Engine{
		cfg:    cfg,
		online: transport.HasNetwork,
		active: make(map[*request.Request]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = transport.NewClient()
	}
	if e.queue == nil {
		e.queue = dispatch.NewQueue()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("nlustream/engine")
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Queue() *dispatch.Queue { return e.queue }

// ActivateText sends text for understanding. A preflight failure is returned
// synchronously together with the already completed request.
func (e *Engine) ActivateText(ctx context.Context, text string, opts request.Options, events *request.Events) (*request.Request, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoText
	}
	payload, err := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{"message", text})
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}
	if opts.Path == "" {
		opts.Path = DefaultTextPath
	}

	r := e.create(ctx, request.KindText, opts, payload, events)
	if err := r.Preflight(); err != nil {
		return r, err
	}
	e.track(r)
	if err := r.Transmit(); err != nil {
		return r, err
	}
	return r, nil
}

// ActivateAudio starts an audio request. Captured audio is fed through
// Request.Write; immediate requests open the transport right away, others once the
// input level crosses the threshold.
func (e *Engine) ActivateAudio(ctx context.Context, opts request.Options, events *request.Events) (*request.Request, error) {
	if opts.Path == "" {
		opts.Path = DefaultAudioPath
	}
	if opts.Encoding == (audio.Encoding{}) {
		opts.Encoding = e.cfg.Encoding
	}
	if err := opts.Encoding.Validate(); err != nil {
		return nil, err
	}

	r := e.create(ctx, request.KindAudio, opts, nil, events)
	if err := r.Preflight(); err != nil {
		return r, err
	}
	e.track(r)
	if err := r.ActivateAudio(); err != nil {
		r.Cancel(err.Error())
		return r, err
	}
	if opts.Immediate {
		if err := r.Transmit(); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (e *Engine) create(ctx context.Context, kind request.Kind, opts request.Options, payload []byte, events *request.Events) *request.Request {
	if opts.RequestID == "" {
		opts.RequestID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.cfg.Timeout
	}
	if events == nil {
		events = &request.Events{}
	}

	ctx, span := e.tracer.Start(ctx, "nlu.request", trace.WithAttributes(
		attribute.String("nlu.request_id", opts.RequestID),
		attribute.String("nlu.kind", kind.String()),
		attribute.String("nlu.path", opts.Path),
	))
	events.Complete.Subscribe(func(r *request.Request) {
		res := r.Results()
		span.SetAttributes(
			attribute.String("nlu.outcome", r.Outcome().String()),
			attribute.Int("nlu.status", res.StatusCode),
			attribute.Int("nlu.frames", res.Frames),
		)
		if r.Outcome() == request.StateFailed {
			span.SetStatus(codes.Error, res.Message)
		}
		if t := r.Tracker(); t != nil {
			span.SetAttributes(attribute.Float64("nlu.audio_ms", t.AudioDuration()))
		}
		span.End()
		e.untrack(r)
	})

	deps := request.Deps{
		Queue:     e.queue,
		Open:      e.opener(ctx),
		Preflight: e.preflight,
		Debug:     e.cfg.Debug,
	}
	r := request.New(kind, opts, payload, events, deps)
	if err := r.Initialize(); err != nil {
		log.Errorf("request %s: %v", r.ID(), err)
	}
	return r
}

func (e *Engine) preflight(r *request.Request) *request.Error {
	switch {
	case e.cfg.Endpoint == "":
		return &request.Error{Kind: request.KindPreflight, Code: request.CodeNoConfig, Message: request.MsgNoConfig}
	case e.cfg.Token == "":
		return &request.Error{Kind: request.KindPreflight, Code: request.CodeNoToken, Message: request.MsgNoToken}
	case e.online != nil && !e.online():
		return &request.Error{Kind: request.KindPreflight, Code: request.CodeNoNetwork, Message: request.MsgNoNetwork}
	}
	return nil
}

func (e *Engine) opener(ctx context.Context) request.Opener {
	return func(r *request.Request, l transport.Listener) (request.Stream, error) {
		u, err := e.RequestURL(r.Options())
		if err != nil {
			return nil, err
		}
		cfg := transport.Config{
			Method:    http.MethodPost,
			URL:       u,
			Header:    e.header(r),
			Timeout:   r.Options().Timeout,
			Delimiter: e.cfg.Delimiter,
			Client:    e.client,
		}
		if r.Kind() == request.KindAudio {
			cfg.Streaming = true
		} else {
			cfg.Body = r.Payload()
		}

		log.RequestStart(r.ID(), r.Kind().String(), u)
		s, err := transport.Start(ctx, cfg, l, e.queue)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// RequestURL resolves endpoint, path and query for opts, applying the rewrite hook.
func (e *Engine) RequestURL(opts request.Options) (string, error) {
	u, err := url.Parse(e.cfg.Endpoint + "/" + strings.TrimLeft(opts.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("v", e.cfg.APIVersion)
	for k, v := range opts.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	if e.rewrite != nil {
		if rw := e.rewrite(u); rw != nil {
			u = rw
		}
	}
	return u.String(), nil
}

func (e *Engine) header(r *request.Request) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+e.cfg.Token)
	h.Set("User-Agent", e.cfg.UserAgent)
	h.Set("Accept", "application/json")
	if r.Kind() == request.KindAudio {
		h.Set("Content-Type", r.Options().Encoding.ContentType())
	} else {
		h.Set("Content-Type", "application/json")
	}
	if e.headers != nil {
		for k, vs := range e.headers(r) {
			h.Del(k)
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	return h
}

func (e *Engine) track(r *request.Request) {
	e.mu.Lock()
	e.active[r] = struct{}{}
	e.total++
	e.mu.Unlock()
}

func (e *Engine) untrack(r *request.Request) {
	e.mu.Lock()
	delete(e.active, r)
	e.mu.Unlock()
}

// Active reports whether any request has not completed yet.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active) > 0
}

// Total is the number of requests that got past preflight.
func (e *Engine) Total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Drain runs pending callbacks. Hosts with their own loop call it on every tick.
func (e *Engine) Drain() int { return e.queue.Drain() }

// Pump drains the queue every interval until no request is active.
func (e *Engine) Pump(ctx context.Context, interval time.Duration) error {
	return e.queue.Pump(ctx, interval, e.Active)
}

// CancelAll cancels every active request. Must run on the cooperative loop.
func (e *Engine) CancelAll(reason string) {
	e.mu.Lock()
	reqs := make([]*request.Request, 0, len(e.active))
	for r := range e.active {
		reqs = append(reqs, r)
	}
	e.mu.Unlock()
	for _, r := range reqs {
		r.Cancel(reason)
	}
}
