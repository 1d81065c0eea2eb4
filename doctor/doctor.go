package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"nlustream/audio"
	"nlustream/clipboard"
	"nlustream/config"
	"nlustream/engine"
	"nlustream/request"
	"nlustream/transport"
)

type check struct {
	name string
	run  func(w io.Writer) bool
}

// Run executes diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(cfg *config.Config) int {
	resetTerminal()
	setupInterruptHandler()

	checks := []check{
		{"Configuration", func(w io.Writer) bool { return checkConfig(w, cfg) }},
		{"Network", func(w io.Writer) bool { return checkNetwork(w, cfg.Endpoint.URL, transport.NewClient()) }},
		{"NLU request", func(w io.Writer) bool { return checkRequest(w, cfg.Engine()) }},
		{"Microphone", func(w io.Writer) bool { return checkMicrophone(w, cfg) }},
		{"Clipboard", checkClipboard},
	}
	return run(os.Stdout, checks)
}

func run(w io.Writer, checks []check) int {
	fmt.Fprintln(w, "nlustream doctor - system diagnostics")
	fmt.Fprintln(w, "=====================================")

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%d/%d] %s\n", i+1, len(checks), c.name)
		if !c.run(w) {
			allPass = false
		}
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func checkConfig(w io.Writer, cfg *config.Config) bool {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	ok := true
	if cfg.Endpoint.URL == "" {
		fmt.Fprintln(w, "  FAIL: endpoint.url not set (NLU_ENDPOINT__URL)")
		ok = false
	}
	if cfg.Endpoint.Token == "" {
		fmt.Fprintln(w, "  FAIL: endpoint.token not set (NLU_ENDPOINT__TOKEN)")
		ok = false
	}
	if ok {
		fmt.Fprintf(w, "  PASS: endpoint %s, api version %s, timeout %s\n",
			cfg.Endpoint.URL, cfg.Endpoint.Version, cfg.Endpoint.Timeout)
		fmt.Fprintf(w, "  audio: %s\n", cfg.Encoding())
	}
	return ok
}

func checkNetwork(w io.Writer, endpoint string, client *http.Client) bool {
	if !transport.HasNetwork() {
		fmt.Fprintln(w, "  FAIL: no active network interface")
		return false
	}
	if endpoint == "" {
		fmt.Fprintln(w, "  SKIP: no endpoint configured")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := transport.Probe(ctx, client, endpoint)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(w, "  PASS: endpoint reachable in %dms\n", rtt.Milliseconds())
	return true
}

func checkRequest(w io.Writer, ec engine.Config, opts ...engine.Option) bool {
	e := engine.New(ec, opts...)
	ev := &request.Events{}
	ev.FullTranscription.Subscribe(func(text string) {
		fmt.Fprintf(w, "  transcription: %s\n", text)
	})

	r, err := e.ActivateText(context.Background(), "hello", request.Options{}, ev)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	if err := e.Pump(context.Background(), 10*time.Millisecond); err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	res := r.Results()
	if r.Outcome() != request.StateSuccessful {
		fmt.Fprintf(w, "  FAIL: %s (%d): %s\n", r.Outcome(), res.StatusCode, res.Message)
		return false
	}
	fmt.Fprintf(w, "  PASS: %d frames, response type %s\n", res.Frames, res.Response.Type())
	return true
}

func checkMicrophone(w io.Writer, cfg *config.Config) bool {
	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(w, "  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	var device *audio.DeviceInfo
	if cfg.Audio.Device != "" {
		device, err = audio.FindDevice(ctx, cfg.Audio.Device)
	} else {
		var devices []audio.DeviceInfo
		devices, err = ctx.Devices()
		if err == nil && len(devices) == 0 {
			err = fmt.Errorf("no capture devices found")
		}
		if err == nil {
			device = &devices[0]
		}
	}
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(w, "  Using device: %s\n", device.Name)

	pcm, err := record(ctx, device, cfg.Encoding(), time.Second)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: recording error: %v\n", err)
		return false
	}
	if len(pcm) == 0 {
		fmt.Fprintln(w, "  FAIL: no audio captured")
		return false
	}
	fmt.Fprintf(w, "  PASS: captured %.1f KB, level %.3f (threshold %.3f)\n",
		float64(len(pcm))/1024, audio.RMS(pcm), cfg.Audio.Threshold)
	return true
}

func record(ctx audio.Context, device *audio.DeviceInfo, enc audio.Encoding, d time.Duration) ([]byte, error) {
	var mu sync.Mutex
	var buf []byte

	capture, err := ctx.NewCapture(device, audio.CaptureConfigFor(enc))
	if err != nil {
		return nil, err
	}
	defer capture.Close()

	capture.SetCallback(func(data []byte, _ uint32) {
		mu.Lock()
		buf = append(buf, data...)
		mu.Unlock()
	})
	if err := capture.Start(); err != nil {
		return nil, err
	}
	time.Sleep(d)
	capture.Stop()
	capture.ClearCallback()

	mu.Lock()
	defer mu.Unlock()
	return buf, nil
}

func checkClipboard(w io.Writer) bool {
	if !clipboard.Available() {
		fmt.Fprintln(w, "  SKIP: no clipboard utility (install xclip, xsel or wl-clipboard for -copy)")
		return true
	}
	prev, _ := clipboard.Read()
	const sentinel = "nlustream-doctor-test"
	if err := clipboard.Copy(sentinel); err != nil {
		fmt.Fprintf(w, "  FAIL: clipboard copy failed: %v\n", err)
		return false
	}
	got, err := clipboard.Read()
	clipboard.Copy(prev)
	if err != nil || got != sentinel {
		fmt.Fprintf(w, "  FAIL: clipboard read back %q (%v)\n", got, err)
		return false
	}
	fmt.Fprintln(w, "  PASS: clipboard round trip")
	return true
}
