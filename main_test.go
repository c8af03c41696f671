package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"scribe/capture"
	"scribe/config"
	"scribe/encoder"
	"scribe/session"
	"scribe/transport"
)

type fakeActions struct {
	mu         sync.Mutex
	toggles    int
	reconnects int
	toggleErr  error
}

func (f *fakeActions) ToggleRecording(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	return f.toggleErr
}

func (f *fakeActions) Reconnect(context.Context) {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func newTestModel(actions Actions) tuiModel {
	m := newTUIModel(context.Background(), actions, session.State{}, config.Default(), false, "")
	m.width, m.height = 80, 40
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m tuiModel, msg tea.Msg) (tuiModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(tuiModel), cmd
}

func TestTUIToggle(t *testing.T) {
	fa := &fakeActions{}
	m, cmd := update(t, newTestModel(fa), key(" "))
	if cmd == nil || !m.toggling {
		t.Fatal("space should start a toggle")
	}

	// A second press while the first is in flight is ignored.
	if _, again := update(t, m, key("r")); again != nil {
		t.Error("toggle issued while another is running")
	}

	msg := cmd()
	if fa.toggles != 1 {
		t.Fatalf("toggles = %d, want 1", fa.toggles)
	}
	m, _ = update(t, m, msg)
	if m.toggling || m.notice != "" {
		t.Errorf("after toggle: toggling=%v notice=%q", m.toggling, m.notice)
	}
}

func TestTUIToggleError(t *testing.T) {
	fa := &fakeActions{toggleErr: errors.New("microphone access denied")}
	m, cmd := update(t, newTestModel(fa), key("r"))
	m, _ = update(t, m, cmd())
	if !strings.Contains(m.notice, "microphone access denied") {
		t.Errorf("notice = %q", m.notice)
	}
	if !strings.Contains(m.View(), "microphone access denied") {
		t.Error("error not rendered")
	}
}

func TestTUIReconnectAndQuit(t *testing.T) {
	fa := &fakeActions{}
	m, cmd := update(t, newTestModel(fa), key("R"))
	if cmd == nil {
		t.Fatal("R should reconnect")
	}
	cmd()
	if fa.reconnects != 1 {
		t.Errorf("reconnects = %d", fa.reconnects)
	}

	for _, k := range []string{"q", "ctrl+c"} {
		_, cmd := update(t, m, key(k))
		if cmd == nil {
			t.Fatalf("%s: no command", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s did not quit", k)
		}
	}
}

func TestTUICopy(t *testing.T) {
	m := newTestModel(&fakeActions{})
	var copied string
	m.copy = func(s string) error { copied = s; return nil }

	m, cmd := update(t, m, key("c"))
	if cmd != nil || m.notice != "nothing to copy yet" {
		t.Fatalf("copy with empty transcript: cmd=%v notice=%q", cmd != nil, m.notice)
	}

	m, _ = update(t, m, StateMsg{State: session.State{Text: "hello world"}})
	m, cmd = update(t, m, key("c"))
	m, _ = update(t, m, cmd())
	if copied != "hello world" {
		t.Errorf("copied %q", copied)
	}
	if m.notice != "transcript copied to clipboard" {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestTUIView(t *testing.T) {
	m := newTestModel(&fakeActions{})
	if v := m.View(); !strings.Contains(v, "STANDBY") || !strings.Contains(v, "Waiting for speech") {
		t.Errorf("idle view:\n%s", v)
	}

	m, _ = update(t, m, StateMsg{State: session.State{
		Text:       "the quick brown fox",
		Insights:   []string{"animals mentioned"},
		Questions:  []string{"why is the fox quick?"},
		Recording:  true,
		Connected:  true,
		Connection: transport.StateOpen,
		Strategy:   capture.StrategyFallback,
	}})
	v := m.View()
	for _, want := range []string{"REC", "connected", "compatibility mode", "the quick brown fox", "Insights", "animals mentioned", "Questions", "why is the fox quick?"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}

	m, _ = update(t, m, StateMsg{State: session.State{Err: transport.ErrBudgetExhausted}})
	if v := m.View(); !strings.Contains(v, "press R to reconnect") || !strings.Contains(v, "disconnected") {
		t.Errorf("budget view:\n%s", v)
	}
}

func TestWrapText(t *testing.T) {
	for _, tt := range []struct {
		name  string
		text  string
		width int
		want  []string
	}{
		{"empty", "", 10, []string{""}},
		{"fits", "hello world", 20, []string{"hello world"}},
		{"wraps on space", "hello world again", 11, []string{"hello world", "again"}},
		{"long word split", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"collapses spaces", "a   b", 10, []string{"a b"}},
		{"multibyte", "héllo wörld", 5, []string{"héllo", "wörld"}},
		{"zero width", "ab", 0, []string{"a", "b"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapText(tt.text, tt.width)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
			}
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	fs := flag.NewFlagSet("scribe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f, set, err := parseFlags(fs, []string{"-url", "wss://b.example/ws", "-format", "flac", "-fallback", "in.wav"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Device = "USB Mic"
	f.apply(cfg, set)

	if cfg.BackendURL != "wss://b.example/ws" || cfg.Format() != encoder.FormatFLAC || !cfg.ForceFallback {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Device != "USB Mic" {
		t.Error("unset flag overrode config value")
	}
	if fs.Arg(0) != "in.wav" {
		t.Errorf("args = %v", fs.Args())
	}
}
