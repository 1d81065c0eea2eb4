package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupLogDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	SetDir(tmp)
	t.Cleanup(func() { Close(); SetDir("") })
	return tmp
}

func TestResolveDirFlag(t *testing.T) {
	got, err := ResolveDir("/tmp/mylog")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/mylog" {
		t.Errorf("got %q, want /tmp/mylog", got)
	}
}

func TestResolveDirFlagRelative(t *testing.T) {
	got, err := ResolveDir("logs")
	if err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(wd, "logs"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveDirEnv(t *testing.T) {
	t.Setenv(EnvLogPath, "/tmp/nlu-env-log")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/nlu-env-log" {
		t.Errorf("got %q, want /tmp/nlu-env-log", got)
	}
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv(EnvLogPath, "")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, appName) {
		t.Errorf("default dir %q does not mention %s", got, appName)
	}
}

func TestInitCreatesFiles(t *testing.T) {
	tmp := setupLogDir(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{diagFileName, transcriptName} {
		if _, err := os.Stat(filepath.Join(tmp, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestRequestEndWritesFields(t *testing.T) {
	tmp := setupLogDir(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	RequestEnd(Outcome{RequestID: "abc", Kind: "audio", State: "canceled", StatusCode: -6, AudioMs: 1000})

	data, err := os.ReadFile(filepath.Join(tmp, diagFileName))
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"request_end", "request_id=abc", "state=canceled", "audio_ms=1000"} {
		if !strings.Contains(out, want) {
			t.Errorf("diagnostics missing %q: %s", want, out)
		}
	}
}

func TestTranscriptionText(t *testing.T) {
	tmp := setupLogDir(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	TranscriptionText("turn on the lights")

	data, err := os.ReadFile(filepath.Join(tmp, transcriptName))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "turn on the lights") || !strings.Contains(line, "\t") {
		t.Errorf("unexpected transcript line: %q", line)
	}
}

func TestHelpersBeforeInit(t *testing.T) {
	Close()
	Info("ignored")
	Warnf("ignored %d", 1)
	TranscriptionText("ignored")
	RequestEnd(Outcome{})
}

func TestCloseIdempotent(t *testing.T) {
	setupLogDir(t)
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Close()
	Close()
}
