//go:build integration

package test_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var testBinary string

func TestMain(m *testing.M) {
	testBinary = os.Getenv("NLU_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "NLU_TEST_BIN not set; build the binary and point NLU_TEST_BIN at it")
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// generateWAV writes 16 kHz mono PCM16. A zero frequency writes silence.
func generateWAV(t *testing.T, durationS, freq float64) string {
	t.Helper()
	const (
		headerSize = 44
		sampleRate = 16000
	)
	numSamples := int(sampleRate * durationS)
	dataSize := numSamples * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], sampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i := 0; i < numSamples && freq > 0; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
		binary.LittleEndian.PutUint16(buf[headerSize+2*i:], uint16(v))
	}

	path := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the binary against its own mock endpoint and returns the log
// directory, combined output and exit code.
func run(t *testing.T, args ...string) (logDir, output string, code int) {
	t.Helper()
	logDir = t.TempDir()
	cmdArgs := append([]string{"-logpath", logDir, "-tui=false", "-mock", "127.0.0.1:0"}, args...)

	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Dir = t.TempDir()
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		t.Fatalf("running binary: %v", err)
	}
	return logDir, string(out), code
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func TestTextRequest(t *testing.T) {
	logDir, out, code := run(t, "-text", "turn on the lights")
	if code != 0 {
		t.Fatalf("exit code %d\noutput: %s", code, out)
	}
	if !strings.Contains(out, "intents:") {
		t.Errorf("output missing intents:\n%s", out)
	}
	diag := readLog(t, logDir, "diagnostics_log.txt")
	for _, want := range []string{"request_start", "request_end", "successful", "network"} {
		if !strings.Contains(diag, want) {
			t.Errorf("diagnostics missing %q", want)
		}
	}
}

func TestAudioRequestFromWAV(t *testing.T) {
	wav := generateWAV(t, 1.5, 440)
	logDir, out, code := run(t, "-wav", wav)
	if code != 0 {
		t.Fatalf("exit code %d\noutput: %s", code, out)
	}
	text := readLog(t, logDir, "transcribe_log.txt")
	if strings.TrimSpace(text) == "" {
		t.Fatal("transcribe_log.txt is empty, expected transcribed words")
	}
	if !strings.Contains(readLog(t, logDir, "diagnostics_log.txt"), "audio_ms") {
		t.Error("expected audio_ms in request_end")
	}
}

func TestSilentAudioIsCanceled(t *testing.T) {
	wav := generateWAV(t, 1, 0)
	logDir, out, code := run(t, "-wav", wav)
	if code == 0 {
		t.Fatalf("expected non-zero exit for silent audio\noutput: %s", out)
	}
	if !strings.Contains(readLog(t, logDir, "diagnostics_log.txt"), "canceled") {
		t.Error("expected a canceled request_end")
	}
	if text := readLog(t, logDir, "transcribe_log.txt"); strings.TrimSpace(text) != "" {
		t.Errorf("unexpected transcription %q", text)
	}
}

func TestImmediateSilentAudioTransmits(t *testing.T) {
	wav := generateWAV(t, 1, 0)
	_, out, code := run(t, "-immediate", "-wav", wav)
	if code != 0 {
		t.Fatalf("exit code %d\noutput: %s", code, out)
	}
}

func TestConfiguredTokenReachesMock(t *testing.T) {
	t.Setenv("NLU_ENDPOINT__TOKEN", "right")
	_, out, code := run(t, "-text", "hello")
	if code != 0 {
		t.Fatalf("mock uses the configured token, exit code %d\noutput: %s", code, out)
	}
}

func TestVersion(t *testing.T) {
	out, err := exec.Command(testBinary, "-version").CombinedOutput()
	if err != nil {
		t.Fatalf("-version: %v", err)
	}
	if !strings.HasPrefix(string(out), "nlustream ") {
		t.Errorf("unexpected version output %q", out)
	}
}
