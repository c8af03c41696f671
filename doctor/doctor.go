// Package doctor runs the environment checks behind the -doctor flag.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"scribe/audio"
	"scribe/encoder"
	"scribe/transport"
)

const dialTimeout = 5 * time.Second

var listenTime = time.Second

var errSkipped = errors.New("skipped")

// Env holds what the checks probe. A nil function skips its check.
type Env struct {
	LogDir     string
	Audio      func() (audio.Context, error)
	Device     string
	BackendURL string
	Dial       transport.DialFunc
	Hotkey     func() (string, error)
	Clipboard  func() error
}

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

// Run executes every check, printing results to w. It returns 0 when all
// checks pass or were skipped and 1 otherwise.
func Run(ctx context.Context, w io.Writer, env Env) int {
	checks := []check{
		{"Log directory", env.checkLogDir},
		{"Microphone", env.checkMicrophone},
		{"Backend", env.checkBackend},
		{"Hotkey", env.checkHotkey},
		{"Clipboard", env.checkClipboard},
	}

	fmt.Fprintln(w, "scribe doctor - system diagnostics")
	fmt.Fprintln(w, "=================================")

	failed := 0
	for i, c := range checks {
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		if ctx.Err() != nil {
			fmt.Fprintln(w, "  FAIL: interrupted")
			failed++
			continue
		}
		msg, err := c.run(ctx)
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintln(w, "  SKIP")
		case err != nil:
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			failed++
		default:
			fmt.Fprintf(w, "  PASS: %s\n", msg)
		}
	}

	fmt.Fprintln(w)
	if failed > 0 {
		fmt.Fprintf(w, "%d check(s) failed. See details above.\n", failed)
		return 1
	}
	fmt.Fprintln(w, "All checks passed!")
	return 0
}

func (e Env) checkLogDir(context.Context) (string, error) {
	if e.LogDir == "" {
		return "", errSkipped
	}
	if err := os.MkdirAll(e.LogDir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(e.LogDir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return filepath.Clean(e.LogDir), nil
}

func (e Env) checkMicrophone(ctx context.Context) (string, error) {
	if e.Audio == nil {
		return "", errSkipped
	}
	actx, err := e.Audio()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer actx.Close()

	device, err := audio.FindDevice(actx, e.Device)
	if err != nil {
		return "", err
	}
	dev, err := actx.NewCapture(device, audio.CaptureConfig{
		SampleRate:    encoder.SampleRate,
		Channels:      encoder.Channels,
		BitsPerSample: encoder.BitsPerSample,
	})
	if err != nil {
		return "", err
	}
	defer dev.Close()

	var samples atomic.Int64
	dev.SetCallback(func(s []float32) { samples.Add(int64(len(s))) })
	if err := dev.Start(); err != nil {
		return "", err
	}

	timer := time.NewTimer(listenTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	dev.Stop()

	n := samples.Load()
	if n == 0 {
		return "", fmt.Errorf("%s delivered no audio", dev.DeviceName())
	}
	return fmt.Sprintf("%s delivered %d samples", dev.DeviceName(), n), nil
}

func (e Env) checkBackend(ctx context.Context) (string, error) {
	if e.BackendURL == "" || e.Dial == nil {
		return "", errSkipped
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := e.Dial(dialCtx, e.BackendURL)
	if err != nil {
		return "", &transport.ConnectionError{Op: "dial", URL: e.BackendURL, Err: err}
	}
	conn.Close(websocket.StatusNormalClosure, "doctor")
	return "connected to " + e.BackendURL, nil
}

func (e Env) checkHotkey(context.Context) (string, error) {
	if e.Hotkey == nil {
		return "", errSkipped
	}
	return e.Hotkey()
}

func (e Env) checkClipboard(context.Context) (string, error) {
	if e.Clipboard == nil {
		return "", errSkipped
	}
	if err := e.Clipboard(); err != nil {
		return "", err
	}
	return "copy and read back", nil
}
