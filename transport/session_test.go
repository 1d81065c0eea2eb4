package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nlustream/dispatch"
)

type recorder struct {
	ready    int
	frames   []string
	closed   []int64
	closeErr error
	outcome  *Outcome
}

func (r *recorder) OnStreamReady() { r.ready++ }
func (r *recorder) OnStreamClosed(n int64, err error) {
	r.closed = append(r.closed, n)
	r.closeErr = err
}
func (r *recorder) OnFrame(raw string) { r.frames = append(r.frames, raw) }
func (r *recorder) OnDone(o Outcome)   { r.outcome = &o }

func drainUntil(t *testing.T, q *dispatch.Queue, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		q.Drain()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// gatedTransport holds every round trip until release is closed.
type gatedTransport struct {
	release chan struct{}
	next    http.RoundTripper
}

func (g *gatedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	select {
	case <-g.release:
	case <-r.Context().Done():
		return nil, context.Cause(r.Context())
	}
	return g.next.RoundTrip(r)
}

func TestFixedBodyFramesArriveInOrder(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fl := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, `{"n":%d}`+"\r\n", i)
			fl.Flush()
		}
	}))
	defer srv.Close()

	q := dispatch.NewQueue()
	rec := &recorder{}
	_, err := Start(context.Background(), Config{
		URL:    srv.URL + "/event",
		Header: http.Header{"Authorization": {"Bearer tok"}},
		Body:   []byte(`{"type":"message"}`),
		Client: srv.Client(),
	}, rec, q)
	if err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, func() bool { return rec.outcome != nil })

	if rec.outcome.StatusCode != http.StatusOK || rec.outcome.Err != nil {
		t.Fatalf("outcome = %+v", rec.outcome)
	}
	want := []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}
	if fmt.Sprint(rec.frames) != fmt.Sprint(want) {
		t.Errorf("frames = %v, want %v", rec.frames, want)
	}
	if rec.outcome.Frames != 3 {
		t.Errorf("Frames = %d, want 3", rec.outcome.Frames)
	}
	if gotBody != `{"type":"message"}` {
		t.Errorf("server body = %q", gotBody)
	}
	if rec.ready != 0 {
		t.Errorf("fixed body request reported stream ready")
	}
	if rec.outcome.Metrics == nil || rec.outcome.Metrics.Total <= 0 {
		t.Errorf("missing metrics: %+v", rec.outcome.Metrics)
	}
}

func TestStreamingWriteLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TransferEncoding) == 0 || r.TransferEncoding[0] != "chunked" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		fmt.Fprintf(w, `{"received":%d}`+"\r\n", n)
	}))
	defer srv.Close()

	gate := &gatedTransport{release: make(chan struct{}), next: srv.Client().Transport}
	q := dispatch.NewQueue()
	rec := &recorder{}
	s, err := Start(context.Background(), Config{
		URL:       srv.URL + "/speech",
		Streaming: true,
		Client:    &http.Client{Transport: gate},
	}, rec, q)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Write([]byte("early")); !errors.Is(err, ErrStreamNotReady) {
		t.Fatalf("Write before ready = %v, want ErrStreamNotReady", err)
	}

	close(gate.release)
	drainUntil(t, q, func() bool { return rec.ready > 0 })

	chunk := make([]byte, 1000)
	for i := 0; i < 5; i++ {
		if _, err := s.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if got := s.CloseWrite(); got != 5000 {
		t.Errorf("CloseWrite = %d, want 5000", got)
	}
	if _, err := s.Write(chunk); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write after close = %v, want ErrStreamClosed", err)
	}

	drainUntil(t, q, func() bool { return rec.outcome != nil })
	if rec.outcome.StatusCode != http.StatusOK {
		t.Fatalf("outcome = %+v", rec.outcome)
	}
	if len(rec.frames) != 1 || rec.frames[0] != `{"received":5000}` {
		t.Errorf("frames = %v", rec.frames)
	}
	if rec.ready != 1 {
		t.Errorf("ready = %d, want 1", rec.ready)
	}
	if len(rec.closed) != 0 {
		t.Errorf("local close reported as stream failure: %v", rec.closed)
	}
	<-s.Done()
}

func TestTimeoutReportsPhase(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	q := dispatch.NewQueue()
	rec := &recorder{}
	_, err := Start(context.Background(), Config{
		URL:     srv.URL,
		Body:    []byte("{}"),
		Timeout: 50 * time.Millisecond,
		Client:  srv.Client(),
	}, rec, q)
	if err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, func() bool { return rec.outcome != nil })

	if !rec.outcome.TimedOut || rec.outcome.Aborted {
		t.Fatalf("outcome = %+v, want timed out", rec.outcome)
	}
	if !errors.Is(rec.outcome.Err, ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", rec.outcome.Err)
	}
	if rec.outcome.Phase != PhaseAwaitingResponse {
		t.Errorf("Phase = %q, want %q", rec.outcome.Phase, PhaseAwaitingResponse)
	}
}

func TestAbortUnblocksStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	q := dispatch.NewQueue()
	rec := &recorder{}
	s, err := Start(context.Background(), Config{
		URL:       srv.URL,
		Streaming: true,
		Client:    srv.Client(),
	}, rec, q)
	if err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, func() bool { return rec.ready > 0 })

	s.Abort(errors.New("user canceled"))
	drainUntil(t, q, func() bool { return rec.outcome != nil })

	if !rec.outcome.Aborted || rec.outcome.TimedOut {
		t.Fatalf("outcome = %+v, want aborted", rec.outcome)
	}
	if !errors.Is(rec.outcome.Err, ErrAborted) {
		t.Errorf("Err = %v, want ErrAborted", rec.outcome.Err)
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write after abort = %v, want ErrStreamClosed", err)
	}
}

func TestNon2xxKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"bad token","code":"no-auth"}`)
	}))
	defer srv.Close()

	q := dispatch.NewQueue()
	rec := &recorder{}
	if _, err := Start(context.Background(), Config{URL: srv.URL, Body: []byte("{}"), Client: srv.Client()}, rec, q); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, func() bool { return rec.outcome != nil })

	if rec.outcome.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", rec.outcome.StatusCode)
	}
	if rec.outcome.Body != `{"error":"bad token","code":"no-auth"}` {
		t.Errorf("Body = %q", rec.outcome.Body)
	}
	if len(rec.frames) != 0 {
		t.Errorf("frames parsed from error response: %v", rec.frames)
	}
}

func TestStartRejectsBadURL(t *testing.T) {
	_, err := Start(context.Background(), Config{URL: "://nope"}, &recorder{}, dispatch.NewQueue())
	if err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestCloseWriteCountsInFlightWrite(t *testing.T) {
	pr, pw := io.Pipe()
	s := &Session{writer: pw}

	type result struct {
		n   int
		err error
	}
	wrote := make(chan result, 1)
	go func() {
		n, err := s.Write(make([]byte, 100))
		wrote <- result{n, err}
	}()

	buf := make([]byte, 10)
	if n, err := pr.Read(buf); n != 10 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if got := s.CloseWrite(); got != 10 {
		t.Errorf("CloseWrite = %d, want 10", got)
	}
	r := <-wrote
	if r.n != 10 || !errors.Is(r.err, ErrStreamClosed) {
		t.Errorf("Write = %d, %v; want 10, ErrStreamClosed", r.n, r.err)
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write after close = %v, want ErrStreamClosed", err)
	}
}

func TestStartDefaultsDelimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{\"a\":1}\r\n{\"b\":2}\r\n")
	}))
	defer srv.Close()

	q := dispatch.NewQueue()
	rec := &recorder{}
	if _, err := Start(context.Background(), Config{URL: srv.URL, Body: []byte("{}"), Client: srv.Client()}, rec, q); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, func() bool { return rec.outcome != nil })
	if rec.outcome.Frames != 2 || len(rec.frames) != 2 || rec.frames[1] != `{"b":2}` {
		t.Errorf("frames = %q (Frames %d), want two split frames", rec.frames, rec.outcome.Frames)
	}
}
