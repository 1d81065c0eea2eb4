// Package log writes diagnostics for the request engine with zerolog. Every helper is
// a no-op until Init has opened the log files.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	appName        = "nlustream"
	EnvLogPath     = "NLU_LOG_PATH"
	diagFileName   = "diagnostics_log.txt"
	transcriptName = "transcribe_log.txt"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	debug          bool
	pid            int
	dir            string
)

// ResolveDir picks the log directory: flag first, then NLU_LOG_PATH, then the OS
// default location.
func ResolveDir(flagPath string) (string, error) {
	for _, p := range []string{flagPath, os.Getenv(EnvLogPath)} {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) {
			return p, nil
		}
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(wd, p), nil
	}
	return getDefaultDir()
}

func SetDir(d string) { dir = d }

func Dir() string { return dir }

// SetDebug enables Debugf output.
func SetDebug(on bool) { debug = on }

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}
	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	transcribeFile, err = os.OpenFile(filepath.Join(dir, transcriptName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05.000",
		NoColor:    true,
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	diagLog = zerolog.New(consoleWriter).Level(level).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msgf(format, args...)
	}
}

func Debugf(format string, args ...any) {
	if logReady {
		diagLog.Debug().Msgf(format, args...)
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msgf(format, args...)
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msgf(format, args...)
	}
}

func RequestStart(id, kind, uri string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("request_id", id).
		Str("kind", kind).
		Str("uri", uri).
		Msg("request_start")
}

// Outcome is the summary of a finished request.
type Outcome struct {
	RequestID  string
	Kind       string
	State      string
	StatusCode int
	Message    string
	ElapsedMs  float64
	AudioMs    float64
	SentBytes  int64
	Frames     int
}

func RequestEnd(o Outcome) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if o.State == "failed" {
		ev = diagLog.Warn()
	}
	ev = ev.Str("request_id", o.RequestID).
		Str("kind", o.Kind).
		Str("state", o.State).
		Int("status", o.StatusCode).
		Float64("elapsed_ms", o.ElapsedMs).
		Int("frames", o.Frames)
	if o.Kind == "audio" {
		ev = ev.Float64("audio_ms", o.AudioMs).Int64("sent_bytes", o.SentBytes)
	}
	if o.Message != "" {
		ev = ev.Str("message", o.Message)
	}
	ev.Msg("request_end")
}

// Network carries the per-phase timings of one HTTP exchange, in milliseconds.
type Network struct {
	DNSMs      float64
	TCPMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	ConnReused bool
}

func NetworkMetrics(requestID string, m Network) {
	if !logReady {
		return
	}
	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}
	diagLog.Info().
		Str("request_id", requestID).
		Str("conn", connStatus).
		Float64("dns_ms", m.DNSMs).
		Float64("tcp_ms", m.TCPMs).
		Float64("tls_ms", m.TLSMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalMs).
		Msg("network")
}

func TranscriptionText(text string) {
	logMu.Lock()
	defer logMu.Unlock()
	if !logReady || transcribeFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcribeFile.WriteString(line)
}

func SessionStart(endpoint, mode string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("endpoint", endpoint).
		Str("mode", mode).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().Int("requests", count).Msg("session_end")
}
