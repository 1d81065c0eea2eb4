// Package mockserver is a local stand-in for the NLU service. It answers /event with
// understanding frames and streams transcription frames for /speech while audio is
// still arriving.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"nlustream/audio"
	"nlustream/frame"
	"nlustream/log"
)

// FailParam selects an injected failure per request.
const FailParam = "mock_fail"

const (
	FailStatus     = "status"      // 503 before any frame
	FailErrorFrame = "error-frame" // a frame carrying an error field
	FailGarbage    = "garbage"     // a frame that is not JSON
	FailStall      = "stall"       // never answer
	FailEmpty      = "empty"       // 200 without frames
	FailNoResponse = "no-response" // transcription frames only
)

type Config struct {
	Token      string // required bearer token; empty accepts any
	Delimiter  string
	FrameDelay time.Duration
	// PartialEvery emits a partial transcription after this much audio.
	PartialEvery time.Duration
}

type Server struct {
	cfg      Config
	router   *chi.Mux
	requests atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.Delimiter == "" {
		cfg.Delimiter = frame.DefaultDelimiter
	}
	if cfg.PartialEvery <= 0 {
		cfg.PartialEvery = 500 * time.Millisecond
	}
	s := &Server{cfg: cfg, router: chi.NewRouter()}

	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLog)
	s.router.Head("/", func(w http.ResponseWriter, r *http.Request) {})
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	s.router.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/event", s.handleEvent)
		r.Post("/speech", s.handleSpeech)
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Requests returns how many NLU requests passed authentication.
func (s *Server) Requests() int64 { return s.requests.Load() }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mock server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Infof("mock server listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("mock %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || (s.cfg.Token != "" && token != s.cfg.Token) {
			writeError(w, http.StatusUnauthorized, "Bad auth, check token/params", "no-auth")
			return
		}
		if r.URL.Query().Get("v") == "" {
			writeError(w, http.StatusBadRequest, "Missing version parameter v", "missing-version")
			return
		}
		s.requests.Add(1)
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

type eventBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var body eventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "invalid-body")
		return
	}
	if body.Type != "message" || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "Expected a non-empty message", "invalid-body")
		return
	}
	fw, ok := s.begin(w, r)
	if !ok {
		return
	}
	fw.send(understanding(body.Message, false))
	fw.send(understanding(body.Message, true))
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	enc, err := parseContentType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid-content-type")
		return
	}
	rc := http.NewResponseController(w)
	rc.EnableFullDuplex()

	fw, ok := s.begin(w, r)
	if !ok {
		return
	}

	step := int64(s.cfg.PartialEvery.Seconds() * float64(enc.BytesPerSecond()))
	if step <= 0 {
		step = 1
	}
	var total, next int64 = 0, step
	words := 0
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		total += int64(n)
		for total >= next {
			words++
			fw.send(map[string]any{"type": frame.TypePartialTranscription, "text": spokenText(words)})
			next += step
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("mock speech read: %v", err)
			return
		}
	}

	seconds := float64(total) / float64(enc.BytesPerSecond())
	text := spokenText(words)
	if text == "" {
		text = fmt.Sprintf("%.1f seconds of audio", seconds)
	}
	fw.send(map[string]any{"type": frame.TypeFinalTranscription, "text": text, "is_final": true})
	if r.URL.Query().Get(FailParam) == FailNoResponse {
		return
	}
	fw.send(understanding(text, true))
}

// begin applies failure injection and returns a frame writer for a 200 response.
func (s *Server) begin(w http.ResponseWriter, r *http.Request) (*frameWriter, bool) {
	fail := r.URL.Query().Get(FailParam)
	switch fail {
	case FailStatus:
		writeError(w, http.StatusServiceUnavailable, "Service unavailable", "overloaded")
		return nil, false
	case FailStall:
		<-r.Context().Done()
		return nil, false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fw := &frameWriter{w: w, rc: http.NewResponseController(w), delim: s.cfg.Delimiter, delay: s.cfg.FrameDelay}
	fw.rc.Flush()

	switch fail {
	case FailEmpty:
		return nil, false
	case FailErrorFrame:
		fw.send(map[string]any{"error": "Something went wrong", "code": 500})
		return nil, false
	case FailGarbage:
		fw.sendRaw("{not json")
		return nil, false
	}
	return fw, true
}

type frameWriter struct {
	w     io.Writer
	rc    *http.ResponseController
	delim string
	delay time.Duration
}

func (f *frameWriter) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("mock frame: %v", err)
		return
	}
	f.sendRaw(string(b))
}

func (f *frameWriter) sendRaw(s string) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	io.WriteString(f.w, s+f.delim)
	f.rc.Flush()
}

func understanding(text string, final bool) map[string]any {
	typ := frame.TypePartialUnderstanding
	if final {
		typ = frame.TypeFinalUnderstanding
	}
	name := "echo"
	if fields := strings.Fields(strings.ToLower(text)); len(fields) > 0 {
		name = strings.Trim(fields[0], ".,!?")
	}
	return map[string]any{
		"type":     typ,
		"text":     text,
		"is_final": final,
		"intents":  []map[string]any{{"id": "1", "name": name, "confidence": 0.99}},
		"entities": map[string]any{},
		"traits":   map[string]any{},
	}
}

var vocabulary = []string{"turn", "on", "the", "kitchen", "lights", "please"}

func spokenText(words int) string {
	out := make([]string, 0, words)
	for i := 0; i < words; i++ {
		out = append(out, vocabulary[i%len(vocabulary)])
	}
	return strings.Join(out, " ")
}

// parseContentType reads the raw PCM parameters sent by audio requests.
func parseContentType(ct string) (audio.Encoding, error) {
	enc := audio.DefaultEncoding
	if ct == "" {
		return enc, nil
	}
	parts := strings.Split(ct, ";")
	if strings.TrimSpace(parts[0]) != "audio/raw" {
		return enc, fmt.Errorf("unsupported content type %q", parts[0])
	}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		var n int
		switch k {
		case "bits":
			fmt.Sscanf(v, "%d", &n)
			enc.BitsPerSample = n
		case "rate":
			fmt.Sscanf(v, "%d", &n)
			enc.SampleRate = n
		case "channels":
			fmt.Sscanf(v, "%d", &n)
			enc.Channels = n
		}
	}
	return enc, enc.Validate()
}
