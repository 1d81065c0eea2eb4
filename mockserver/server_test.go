package mockserver

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nlustream/audio"
	"nlustream/frame"
)

func post(t *testing.T, srv *httptest.Server, path, token, contentType string, body io.Reader) (*http.Response, []string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, frame.Split(string(b), frame.DefaultDelimiter)
}

func TestEventFrames(t *testing.T) {
	srv := httptest.NewServer(New(Config{Token: "secret"}).Handler())
	defer srv.Close()

	resp, frames := post(t, srv, "/event?v=1", "secret", "application/json",
		strings.NewReader(`{"type":"message","message":"Lights on please"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %v", frames)
	}
	last, err := frame.Parse(frames[1])
	if err != nil {
		t.Fatal(err)
	}
	if !last.IsFinal() || !last.HasResponseData() || last.Transcription() != "Lights on please" {
		t.Errorf("final frame = %s", frames[1])
	}
	var intents []struct{ Name string }
	last.Decode("intents", &intents)
	if len(intents) != 1 || intents[0].Name != "lights" {
		t.Errorf("intents = %+v", intents)
	}
}

func TestAuthAndValidation(t *testing.T) {
	srv := httptest.NewServer(New(Config{Token: "secret"}).Handler())
	defer srv.Close()

	cases := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
	}{
		{"missing token", "/event?v=1", "", `{"type":"message","message":"x"}`, http.StatusUnauthorized},
		{"wrong token", "/event?v=1", "nope", `{"type":"message","message":"x"}`, http.StatusUnauthorized},
		{"missing version", "/event", "secret", `{"type":"message","message":"x"}`, http.StatusBadRequest},
		{"empty message", "/event?v=1", "secret", `{"type":"message","message":" "}`, http.StatusBadRequest},
		{"injected status", "/event?v=1&mock_fail=status", "secret", `{"type":"message","message":"x"}`, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := post(t, srv, tc.path, tc.token, "application/json", strings.NewReader(tc.body))
			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestInjectedFrameFailures(t *testing.T) {
	srv := httptest.NewServer(New(Config{}).Handler())
	defer srv.Close()
	body := `{"type":"message","message":"x"}`

	_, frames := post(t, srv, "/event?v=1&mock_fail=error-frame", "t", "application/json", strings.NewReader(body))
	if len(frames) != 1 {
		t.Fatalf("frames = %v", frames)
	}
	f, _ := frame.Parse(frames[0])
	if msg, code, hasCode, ok := f.ServerError(); !ok || !hasCode || code != 500 || msg == "" {
		t.Errorf("error frame = %s", frames[0])
	}

	_, frames = post(t, srv, "/event?v=1&mock_fail=garbage", "t", "application/json", strings.NewReader(body))
	if len(frames) != 1 {
		t.Fatalf("frames = %v", frames)
	}
	if _, err := frame.Parse(frames[0]); err == nil {
		t.Errorf("garbage frame parsed: %s", frames[0])
	}

	_, frames = post(t, srv, "/event?v=1&mock_fail=empty", "t", "application/json", strings.NewReader(body))
	if len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
}

func TestSpeechTranscribesByDuration(t *testing.T) {
	s := New(Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	enc := audio.DefaultEncoding
	pcm := bytes.Repeat([]byte{0x10, 0x00}, enc.BytesPerSecond()) // 2s of mono 16-bit
	resp, frames := post(t, srv, "/speech?v=1", "t", enc.ContentType(), bytes.NewReader(pcm))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// 4 partials at 500ms each, final transcription, final understanding
	if len(frames) != 6 {
		t.Fatalf("got %d frames: %v", len(frames), frames)
	}
	final, _ := frame.Parse(frames[4])
	if final.Type() != frame.TypeFinalTranscription || final.Transcription() != "turn on the kitchen" {
		t.Errorf("final transcription = %s", frames[4])
	}
	if s.Requests() != 1 {
		t.Errorf("Requests = %d", s.Requests())
	}
}

func TestParseContentType(t *testing.T) {
	enc, err := parseContentType("audio/raw;encoding=signed-integer;bits=16;rate=8000;endian=little")
	if err != nil || enc.SampleRate != 8000 || enc.BitsPerSample != 16 {
		t.Errorf("enc = %+v, err = %v", enc, err)
	}
	if _, err := parseContentType("audio/mpeg"); err == nil {
		t.Error("expected error for audio/mpeg")
	}
	if _, err := parseContentType("audio/raw;bits=12"); err == nil {
		t.Error("expected error for 12-bit audio")
	}
}
