package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"scribe/audio"
	"scribe/capture"
	"scribe/clipboard"
	"scribe/config"
	"scribe/doctor"
	"scribe/encoder"
	"scribe/hotkey"
	"scribe/log"
	"scribe/metrics"
	"scribe/session"
	"scribe/shutdown"
	"scribe/transport"
	"scribe/worklet"
)

var version = "dev"

type flags struct {
	config   string
	url      string
	logPath  string
	device   string
	format   string
	hotkey   bool
	fallback bool
	setup    bool
	version  bool
	doctor   bool
	test     bool
	crash    bool
	profile  string
}

func parseFlags(fs *flag.FlagSet, args []string) (*flags, map[string]bool, error) {
	f := &flags{}
	fs.StringVar(&f.config, "config", "", "config file (default: scribe.yaml in the user config dir or working dir)")
	fs.StringVar(&f.url, "url", "", "backend websocket URL (e.g. ws://localhost:8000/ws)")
	fs.StringVar(&f.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&f.device, "device", "", "use named microphone device")
	fs.StringVar(&f.format, "format", "", "fallback container when the audio worklet is unavailable: wav or flac")
	fs.BoolVar(&f.hotkey, "hotkey", false, "toggle recording with the global "+hotkey.Combo+" shortcut")
	fs.BoolVar(&f.fallback, "fallback", false, "skip the audio worklet and stream compressed blobs")
	fs.BoolVar(&f.setup, "setup", false, "select microphone device interactively")
	fs.BoolVar(&f.version, "version", false, "print version and exit")
	fs.BoolVar(&f.doctor, "doctor", false, "run system diagnostics and exit")
	fs.BoolVar(&f.test, "test", false, "test mode (headless, stdin-driven, audio from the WAV file argument)")
	fs.BoolVar(&f.crash, "crash", false, "trigger synthetic panic for testing crash logging")
	fs.StringVar(&f.profile, "profile", "", "serve pprof and Prometheus metrics on this address (e.g., localhost:6060)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// apply overrides cfg with the flags given on the command line.
func (f *flags) apply(cfg *config.Config, set map[string]bool) {
	if set["url"] {
		cfg.BackendURL = f.url
	}
	if set["logpath"] {
		cfg.LogPath = f.logPath
	}
	if set["device"] {
		cfg.Device = f.device
	}
	if set["format"] {
		cfg.FallbackFormat = f.format
	}
	if set["hotkey"] {
		cfg.Hotkey = f.hotkey
	}
	if set["fallback"] {
		cfg.ForceFallback = f.fallback
	}
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

// stack is the capture, transport and session wiring for one host.
type stack struct {
	pipeline *capture.Pipeline
	channel  *transport.Channel
	ctrl     *session.Controller
}

func newStack(cfg *config.Config, host audio.Context) *stack {
	modules := worklet.DefaultRegistry(cfg.ChunkSamples)
	if cfg.ForceFallback {
		// An empty registry fails the worklet load and selects the recorder.
		modules = worklet.NewRegistry()
	}
	pipeline := capture.New(host, modules, capture.Options{
		Device:       cfg.Device,
		BlobInterval: cfg.BlobInterval,
		Format:       cfg.Format(),
	})
	channel := transport.New(transport.Config{
		URL:            cfg.BackendURL,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxAttempts:    cfg.MaxReconnectAttempts,
	})
	return &stack{
		pipeline: pipeline,
		channel:  channel,
		ctrl:     session.New(pipeline, channel, session.WithBackend(cfg.BackendURL)),
	}
}

// serveDebug exposes pprof and Prometheus metrics on addr.
func (s *stack) serveDebug(addr string) {
	if addr == "" {
		return
	}
	reg, err := metrics.NewRegistry(metrics.Source{
		Capture:   s.pipeline.Stats,
		Recording: s.pipeline.Recording,
		Transport: s.channel.Stats,
		State:     s.channel.State,
		Attempts:  s.channel.Attempts,
	})
	if err != nil {
		log.Errorf("metrics registry: %v", err)
		return
	}
	http.Handle("/metrics", metrics.Handler(reg))
	go func() {
		fmt.Fprintf(os.Stderr, "debug server listening on http://%s/debug/pprof/ and /metrics\n", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("debug server error: %v", err)
		}
	}()
}

func run() {
	f, set, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if f.version {
		fmt.Printf("scribe %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	f.apply(cfg, set)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logPath, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if f.crash {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if f.doctor {
		code := doctor.Run(ctx, os.Stdout, doctor.Env{
			LogDir:     log.Dir(),
			Audio:      audio.NewContext,
			Device:     cfg.Device,
			BackendURL: cfg.BackendURL,
			Dial:       transport.DialWebSocket,
			Hotkey:     hotkey.Diagnose,
			Clipboard:  clipboard.Check,
		})
		stop()
		os.Exit(code)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.Infof("config: backend=%s retries=%d delay=%s chunk=%d fallback=%s",
		cfg.BackendURL, cfg.MaxReconnectAttempts, cfg.ReconnectDelay, cfg.ChunkSamples, cfg.Format())

	if f.test {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: scribe -test <wav-file>")
			os.Exit(1)
		}
		code := runTestMode(ctx, cfg, args[0], f.profile)
		log.Close()
		stop()
		os.Exit(code)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	if f.setup && cfg.Device == "" {
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
		} else if dev != nil {
			cfg.Device = dev.Name
		}
	}

	st := newStack(cfg, actx)
	ctrl := st.ctrl
	defer ctrl.Close()
	st.serveDebug(f.profile)

	var notice string
	var toggles <-chan struct{}
	if cfg.Hotkey {
		hk := hotkey.New()
		if err := hk.Register(); err != nil {
			log.Warnf("hotkey register error: %v", err)
			notice = "hotkey unavailable: " + err.Error()
		} else {
			defer hk.Unregister()
			toggles = hotkey.Toggles(hk, ctx.Done())
		}
	}

	p := NewTUIProgram(ctx, ctrl, cfg, toggles != nil, notice)
	tuiMu.Lock()
	tuiProgram = p
	tuiMu.Unlock()
	unsub := ctrl.Subscribe(func(s session.State) { tuiSend(StateMsg{State: s}) })
	defer unsub()

	// Subscribers block in Send until p.Run starts reading.
	go ctrl.Start(ctx)

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if toggles != nil {
		go func() {
			for range toggles {
				log.Info("hotkey_toggle")
				if err := ctrl.ToggleRecording(ctx); err != nil {
					tuiSend(NoticeMsg{Text: err.Error()})
				}
			}
		}()
	}

	if _, err := p.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}
	stop()
}

// deviceLabel names the configured microphone for the status bar.
func deviceLabel(cfg *config.Config) string {
	if cfg.Device == "" {
		return "mic: system default"
	}
	return "mic: " + cfg.Device
}

func fallbackLabel(f encoder.Format) string {
	return "fallback " + f.MIME()
}
