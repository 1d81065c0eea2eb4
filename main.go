package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"nlustream/audio"
	"nlustream/config"
	"nlustream/cue"
	"nlustream/doctor"
	"nlustream/engine"
	"nlustream/log"
	"nlustream/mockserver"
	"nlustream/shutdown"
	"nlustream/telemetry"
)

var version = "dev"

const (
	loopInterval = 20 * time.Millisecond
	cancelGrace  = 2 * time.Second
)

type options struct {
	configPath string
	text       string
	wav        string
	mic        bool
	device     string
	setup      bool
	logPath    string
	tui        bool
	copy       bool
	doctor     bool
	version    bool
	mock       string
	trace      bool
	immediate  bool
	debug      bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("nlustream", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "config file (default: ./nlustream.yaml when present)")
	fs.StringVar(&o.text, "text", "", "send a text request")
	fs.StringVar(&o.wav, "wav", "", "stream a WAV file as an audio request")
	fs.BoolVar(&o.mic, "mic", false, "stream the microphone as an audio request")
	fs.StringVar(&o.device, "device", "", "use the named microphone device")
	fs.BoolVar(&o.setup, "setup", false, "select the microphone device interactively")
	fs.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.BoolVar(&o.tui, "tui", true, "run with terminal UI")
	fs.BoolVar(&o.copy, "copy", false, "copy the final transcription to the clipboard")
	fs.BoolVar(&o.doctor, "doctor", false, "run system diagnostics and exit")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	fs.StringVar(&o.mock, "mock", "", "serve a mock NLU endpoint on this address and use it")
	fs.BoolVar(&o.trace, "trace", false, "write request spans to the trace file")
	fs.BoolVar(&o.immediate, "immediate", false, "transmit audio without waiting for the level gate")
	fs.BoolVar(&o.debug, "debug", false, "debug logging and raw frames in protocol errors")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.text == "" && o.wav == "" && !o.mic && fs.NArg() > 0 {
		o.text = fs.Arg(0)
	}
	n := 0
	for _, set := range []bool{o.text != "", o.wav != "", o.mic} {
		if set {
			n++
		}
	}
	if n > 1 {
		return nil, errors.New("-text, -wav and -mic are mutually exclusive")
	}
	if o.device != "" || o.setup {
		o.mic = o.mic || (o.text == "" && o.wav == "")
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	o, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if o.version {
		fmt.Printf("nlustream %s\n", version)
		return 0
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if o.immediate {
		cfg.Audio.Immediate = true
	}
	if o.debug {
		cfg.Debug = true
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	var engOpts []engine.Option
	if o.mock != "" {
		addr, err := startMock(ctx, o.mock, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg.Endpoint.URL = "http://" + addr
		engOpts = append(engOpts, engine.WithConnectivity(func() bool { return true }))
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config:\n%v\n", err)
		return 1
	}

	logFlag := o.logPath
	if logFlag == "" {
		logFlag = cfg.LogPath
	}
	logPath, err := log.ResolveDir(logFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	log.SetDebug(cfg.Debug)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	if o.doctor {
		return doctor.Run(cfg)
	}

	if o.trace || cfg.Trace.Enabled {
		path := cfg.Trace.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(log.Dir(), path)
		}
		shutdownTracer, err := telemetry.InitTracer("nlustream", path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: tracing disabled: %v\n", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := shutdownTracer(sctx); err != nil {
					log.Warnf("trace shutdown: %v", err)
				}
			}()
		}
	}

	src, closeSrc, err := openSource(o, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeSrc()

	cue.Enable(cfg.Audio.Cues)
	eng := engine.New(cfg.Engine(), engOpts...)
	log.SessionStart(cfg.Endpoint.URL, src.mode())

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	var ok bool
	if o.tui && interactive {
		ok, err = runTUI(ctx, eng, cfg, src, o.copy)
	} else {
		ok, err = runPlain(ctx, eng, cfg, src, o.copy, os.Stdin, os.Stdout)
	}
	log.SessionEnd(eng.Total())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !ok {
		return 1
	}
	return 0
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

// startMock serves the mock endpoint on addr and returns the bound address. An
// unset token is filled in so both sides agree.
func startMock(ctx context.Context, addr string, cfg *config.Config) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("mock server listen: %w", err)
	}
	if cfg.Endpoint.Token == "" {
		cfg.Endpoint.Token = "mock"
	}
	srv := mockserver.New(mockserver.Config{Token: cfg.Endpoint.Token, Delimiter: cfg.Endpoint.Delimiter})
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			log.Errorf("mock server: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}

func openSource(o *options, cfg *config.Config) (source, func(), error) {
	noop := func() {}
	switch {
	case o.wav != "":
		fctx, err := audio.NewFakeContext(o.wav, cfg.Encoding(), true)
		if err != nil {
			return source{}, noop, fmt.Errorf("loading %s: %w", o.wav, err)
		}
		return source{actx: fctx}, noop, nil
	case o.mic:
		actx, err := audio.NewContext()
		if err != nil {
			return source{}, noop, fmt.Errorf("initializing audio: %w", err)
		}
		name := o.device
		if name == "" {
			name = cfg.Audio.Device
		}
		var dev *audio.DeviceInfo
		switch {
		case name != "":
			dev, err = audio.FindDevice(actx, name)
		case o.setup:
			dev, err = audio.SelectDevice(actx)
		}
		if err != nil {
			actx.Close()
			return source{}, noop, err
		}
		return source{actx: actx, device: dev}, actx.Close, nil
	case o.text != "":
		return source{text: o.text}, noop, nil
	}
	return source{}, noop, errors.New("nothing to send: use -text, -wav or -mic")
}

// runPlain drives one request on the calling goroutine and prints its events. For
// microphone input a line on stdin stops recording.
func runPlain(ctx context.Context, eng *engine.Engine, cfg *config.Config, src source, copyText bool, in io.Reader, out io.Writer) (bool, error) {
	sink := &plainSink{w: out}
	sess := newSession(eng, cfg, src, sink, copyText)

	enter := make(chan struct{}, 1)
	if src.mode() == "mic" {
		fmt.Fprintln(out, "Recording. Press Enter to stop.")
		go func() {
			bufio.NewReader(in).ReadString('\n')
			enter <- struct{}{}
		}()
	}

	if err := sess.start(ctx); err != nil {
		log.Warnf("session start: %v", err)
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	done := ctx.Done()
	for {
		eng.Drain()
		sess.tick(time.Now())
		if sess.done && eng.Queue().Len() == 0 {
			return sess.summary.Succeeded, nil
		}
		select {
		case <-done:
			done = nil
			sess.cancel("interrupted")
			deadline = time.After(cancelGrace)
		case <-deadline:
			return false, errors.New("request did not finish after cancel")
		case <-enter:
			sess.stop()
		case <-eng.Queue().Wake():
		case <-ticker.C:
		}
	}
}

type plainSink struct {
	w       io.Writer
	partial string
}

func (p *plainSink) RequestStart(id, mode string) {
	fmt.Fprintf(p.w, "request %s (%s)\n", id, mode)
}

func (p *plainSink) StreamReady() {}

func (p *plainSink) AudioLevel(float64) {}

func (p *plainSink) Transcription(text string, final bool) {
	if final {
		fmt.Fprintf(p.w, "transcription: %s\n", text)
		return
	}
	if text != p.partial {
		p.partial = text
		fmt.Fprintf(p.w, "  ... %s\n", text)
	}
}

func (p *plainSink) Understanding(intents []string, final bool) {
	if !final || len(intents) == 0 {
		return
	}
	fmt.Fprintln(p.w, "intents:")
	for _, in := range intents {
		fmt.Fprintf(p.w, "  %s\n", in)
	}
}

func (p *plainSink) Notice(text string) {
	if text != "" {
		fmt.Fprintf(p.w, "! %s\n", text)
	}
}

func (p *plainSink) Finished(s Summary) {
	line := fmt.Sprintf("%s in %s", s.Outcome, s.Elapsed.Round(time.Millisecond))
	if s.AudioMs > 0 {
		line += fmt.Sprintf(", %.0fms audio", s.AudioMs)
	}
	if s.Copied {
		line += ", copied"
	}
	fmt.Fprintln(p.w, line)
	if !s.Succeeded && s.Message != "" {
		fmt.Fprintf(p.w, "error: %s (%d)\n", s.Message, s.Status)
	}
}

func runTUI(ctx context.Context, eng *engine.Engine, cfg *config.Config, src source, copyText bool) (bool, error) {
	m := newTUIModel(ctx, eng, cfg, src, copyText)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) && !errors.Is(err, tea.ErrInterrupted) {
		return false, fmt.Errorf("TUI: %w", err)
	}
	// drain whatever the cancel on quit queued
	deadline := time.Now().Add(cancelGrace)
	for m.sess != nil && !m.sess.done && time.Now().Before(deadline) {
		m.sess.cancel("quit")
		eng.Drain()
		time.Sleep(loopInterval)
	}
	eng.Drain()
	return m.sess != nil && m.sess.summary.Succeeded, nil
}
