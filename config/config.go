package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"nlustream/audio"
	"nlustream/engine"
)

const (
	DefaultFile = "nlustream.yaml"
	EnvPrefix   = "NLU_"
)

type Config struct {
	Endpoint EndpointConfig `koanf:"endpoint"`
	Audio    AudioConfig    `koanf:"audio"`
	Trace    TraceConfig    `koanf:"trace"`
	LogPath  string         `koanf:"log_path"`
	Debug    bool           `koanf:"debug"` // raw frames in protocol errors, debug logging
}

type EndpointConfig struct {
	URL       string        `koanf:"url"`
	Version   string        `koanf:"version"`
	Token     string        `koanf:"token"`
	Timeout   time.Duration `koanf:"timeout"`
	UserAgent string        `koanf:"user_agent"`
	Delimiter string        `koanf:"delimiter"`
}

type AudioConfig struct {
	SampleRate     int           `koanf:"sample_rate"`
	Channels       int           `koanf:"channels"`
	Bits           int           `koanf:"bits"`
	Device         string        `koanf:"device"`
	Immediate      bool          `koanf:"immediate"`
	Threshold      float64       `koanf:"threshold"`       // RMS level that starts transmission
	SilenceTimeout time.Duration `koanf:"silence_timeout"` // 0 disables auto-stop
	MaxDuration    time.Duration `koanf:"max_duration"`
	Cues           bool          `koanf:"cues"` // tones when microphone capture starts and stops
}

type TraceConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"` // span output file, inside the log dir when relative
}

var defaults = map[string]any{
	"endpoint.version":      engine.DefaultVersion,
	"endpoint.timeout":      "40s", // max_duration plus response slack
	"endpoint.user_agent":   engine.DefaultUserAgent,
	"endpoint.delimiter":    "\r\n",
	"audio.sample_rate":     16000,
	"audio.channels":        1,
	"audio.bits":            16,
	"audio.threshold":       0.02,
	"audio.silence_timeout": "2s",
	"audio.max_duration":    "30s",
	"audio.cues":            true,
	"trace.path":            "traces.json",
}

// Load reads path (or nlustream.yaml when empty, which may be absent) and overlays
// NLU_ environment variables. Nested keys use a double underscore:
// NLU_ENDPOINT__TOKEN sets endpoint.token.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	filePath := path
	if filePath == "" {
		filePath = DefaultFile
	}
	if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
		if path != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Encoding() audio.Encoding {
	return audio.Encoding{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels, BitsPerSample: c.Audio.Bits}
}

// Validate checks the values a request needs. Missing endpoint or token are left to
// the request preflight so they surface as request failures.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint.URL != "" {
		u, err := url.Parse(c.Endpoint.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("endpoint.url %q is not an absolute URL", c.Endpoint.URL))
		}
	}
	if c.Endpoint.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.timeout must be positive, got %s", c.Endpoint.Timeout))
	}
	// the request timeout is wall clock from transmit, so it has to cover capture
	if c.Audio.MaxDuration > 0 && c.Endpoint.Timeout > 0 && c.Audio.MaxDuration >= c.Endpoint.Timeout {
		errs = append(errs, fmt.Errorf("audio.max_duration %s must be below endpoint.timeout %s", c.Audio.MaxDuration, c.Endpoint.Timeout))
	}
	if err := c.Encoding().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if c.Audio.Threshold < 0 || c.Audio.Threshold > 1 {
		errs = append(errs, fmt.Errorf("audio.threshold must be within [0,1], got %v", c.Audio.Threshold))
	}
	return errors.Join(errs...)
}

func (c *Config) Engine() engine.Config {
	return engine.Config{
		Endpoint:   c.Endpoint.URL,
		APIVersion: c.Endpoint.Version,
		Token:      c.Endpoint.Token,
		UserAgent:  c.Endpoint.UserAgent,
		Timeout:    c.Endpoint.Timeout,
		Delimiter:  c.Endpoint.Delimiter,
		Encoding:   c.Encoding(),
		Debug:      c.Debug,
	}
}
