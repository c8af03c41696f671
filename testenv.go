package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"scribe/audio"
	"scribe/config"
	"scribe/hotkey"
	"scribe/log"
	"scribe/session"
	"scribe/transport"
)

const testWaitTimeout = 10 * time.Second

// testState is the STATE line printed on stdout.
type testState struct {
	Recording  bool     `json:"recording"`
	Connection string   `json:"connection"`
	Strategy   string   `json:"strategy"`
	Text       string   `json:"text"`
	Insights   []string `json:"insights"`
	Questions  []string `json:"questions"`
	Err        string   `json:"error,omitempty"`
}

func newTestState(s session.State) testState {
	ts := testState{
		Recording:  s.Recording,
		Connection: s.Connection.String(),
		Strategy:   string(s.Strategy),
		Text:       s.Text,
		Insights:   s.Insights,
		Questions:  s.Questions,
	}
	if s.Err != nil {
		ts.Err = s.Err.Error()
	}
	return ts
}

// runTestMode drives the controller from stdin commands with audio replayed
// from wavPath. It returns the process exit code.
func runTestMode(ctx context.Context, cfg *config.Config, wavPath, debugAddr string) int {
	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}

	st := newStack(cfg, fakeCtx)
	ctrl := st.ctrl
	defer ctrl.Close()
	st.serveDebug(debugAddr)
	ctrl.Start(ctx)

	hk := hotkey.NewFake()
	toggles := hotkey.Toggles(hk, ctx.Done())
	toggled := make(chan struct{}, 1)

	// Event loop, same shape as the live hotkey loop
	go func() {
		for range toggles {
			if err := ctrl.ToggleRecording(ctx); err != nil {
				log.Errorf("toggle error: %v", err)
			}
			select {
			case toggled <- struct{}{}:
			default:
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		var cmd string
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			cmd = line
		}

		name, arg, _ := strings.Cut(cmd, " ")
		switch name {
		case "":
		case "TOGGLE":
			hk.SimTap()
		case "WAIT":
			waitFor(ctx, toggled)
		case "WAIT_AUDIO_DONE":
			if c := fakeCtx.Last(); c != nil {
				waitFor(ctx, c.AudioDone())
			}
		case "WAIT_CONNECTED":
			waitUntil(ctx, ctrl, func(s session.State) bool { return s.Connection == transport.StateOpen })
		case "WAIT_TEXT":
			waitUntil(ctx, ctrl, func(s session.State) bool { return strings.Contains(s.Text, arg) })
		case "RECONNECT":
			ctrl.Reconnect(ctx)
		case "SLEEP":
			if ms, err := strconv.Atoi(arg); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case "STATE":
			out, _ := json.Marshal(newTestState(ctrl.Snapshot()))
			fmt.Println(string(out))
		case "QUIT":
			return 0
		default:
			log.Warnf("unknown test command %q", cmd)
		}
	}
}

func waitFor[T any](ctx context.Context, ch <-chan T) {
	select {
	case <-ch:
	case <-ctx.Done():
	case <-time.After(testWaitTimeout):
		log.Warn("test wait timed out")
	}
}

// waitUntil blocks until cond holds for the controller state.
func waitUntil(ctx context.Context, ctrl *session.Controller, cond func(session.State) bool) {
	changed := make(chan struct{}, 1)
	unsub := ctrl.Subscribe(func(session.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	deadline := time.After(testWaitTimeout)
	for !cond(ctrl.Snapshot()) {
		select {
		case <-changed:
		case <-ctx.Done():
			return
		case <-deadline:
			log.Warn("test wait timed out")
			return
		}
	}
}
