package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scribe/audio"
	"scribe/capture"
	"scribe/transport"
	"scribe/worklet"
)

type fakeTransport struct {
	mu     sync.Mutex
	opened int
	closed int
	sent   []capture.Chunk
	state  func(transport.State)
	update func(transport.Update)
	errf   func(error)
}

func (f *fakeTransport) Open(context.Context) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeTransport) Send(c capture.Chunk) {
	f.mu.Lock()
	f.sent = append(f.sent, c)
	f.mu.Unlock()
}

func (f *fakeTransport) OnState(fn func(transport.State)) func() {
	f.mu.Lock()
	f.state = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.state = nil
		f.mu.Unlock()
	}
}

func (f *fakeTransport) OnUpdate(fn func(transport.Update)) func() {
	f.mu.Lock()
	f.update = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.update = nil
		f.mu.Unlock()
	}
}

func (f *fakeTransport) OnError(fn func(error)) func() {
	f.mu.Lock()
	f.errf = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.errf = nil
		f.mu.Unlock()
	}
}

func (f *fakeTransport) pushState(s transport.State) {
	f.mu.Lock()
	fn := f.state
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) pushUpdate(u transport.Update) {
	f.mu.Lock()
	fn := f.update
	f.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (f *fakeTransport) pushError(err error) {
	f.mu.Lock()
	fn := f.errf
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeTransport) sentChunks() []capture.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.Chunk(nil), f.sent...)
}

func newController(t *testing.T, host *audio.FakeContext, modules worklet.Loader) (*Controller, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	p := capture.New(host, modules, capture.Options{BlobInterval: 10 * time.Millisecond})
	ctrl := New(p, ft, WithBackend("ws://backend.test"))
	t.Cleanup(ctrl.Close)
	return ctrl, ft
}

func TestPermissionDenied(t *testing.T) {
	host := audio.NewFakeContextSamples(nil, false)
	host.OpenErr = audio.ErrPermissionDenied
	ctrl, ft := newController(t, host, worklet.DefaultRegistry(4))

	ctrl.Start(context.Background())
	err := ctrl.ToggleRecording(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("ToggleRecording = %v, want ErrPermissionDenied", err)
	}

	s := ctrl.Snapshot()
	if s.Recording {
		t.Error("Recording should stay false")
	}
	if !errors.Is(s.Err, audio.ErrPermissionDenied) {
		t.Errorf("snapshot error = %v", s.Err)
	}
	if len(ft.sentChunks()) != 0 {
		t.Error("nothing should be sent")
	}
	if ft.opened != 1 || ft.closed != 0 {
		t.Errorf("transport touched by failed start: opened=%d closed=%d", ft.opened, ft.closed)
	}
}

func TestWorkletChunksReachTransport(t *testing.T) {
	host := audio.NewFakeContextSamples(nil, false)
	ctrl, ft := newController(t, host, worklet.DefaultRegistry(4))

	if err := ctrl.ToggleRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := ctrl.Snapshot()
	if !s.Recording || s.Strategy != capture.StrategyWorklet || s.ID == "" {
		t.Fatalf("snapshot = %+v", s)
	}

	host.Last().Emit([]float32{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7})
	deadline := time.Now().Add(2 * time.Second)
	for len(ft.sentChunks()) < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	sent := ft.sentChunks()
	if len(sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(sent))
	}
	for i, c := range sent {
		if c.Seq != uint64(i) || c.Kind != capture.KindPCM {
			t.Errorf("chunk %d: seq %d kind %v", i, c.Seq, c.Kind)
		}
	}

	if err := ctrl.ToggleRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ctrl.Snapshot().Recording {
		t.Error("second toggle should stop recording")
	}
	if !host.Last().Closed() {
		t.Error("device should be released")
	}
}

func TestFallbackStillStreams(t *testing.T) {
	host := audio.NewFakeContextSamples(nil, false)
	ctrl, ft := newController(t, host, worklet.NewRegistry())

	if err := ctrl.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("ToggleRecording: %v", err)
	}
	s := ctrl.Snapshot()
	if !s.Recording || s.Strategy != capture.StrategyFallback {
		t.Fatalf("snapshot = %+v", s)
	}

	host.Last().Emit(make([]float32, 160))
	deadline := time.Now().Add(2 * time.Second)
	for len(ft.sentChunks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	sent := ft.sentChunks()
	if len(sent) == 0 {
		t.Fatal("no chunks sent in fallback mode")
	}
	if sent[0].Kind != capture.KindBlob || sent[0].MIME != "audio/wav" {
		t.Errorf("chunk = kind %v mime %q", sent[0].Kind, sent[0].MIME)
	}
}

func TestLatestUpdateWins(t *testing.T) {
	ctrl, ft := newController(t, audio.NewFakeContextSamples(nil, false), worklet.NewRegistry())

	ft.pushUpdate(transport.Update{Kind: transport.KindPartial, Text: "hel"})
	ft.pushUpdate(transport.Update{Kind: transport.KindUpdate, Text: "hello", Insights: &transport.Insights{
		Insights:  []string{"greeting"},
		Questions: []string{"who is there?"},
	}})
	s := ctrl.Snapshot()
	if s.Text != "hello" {
		t.Errorf("Text = %q, want hello", s.Text)
	}
	if len(s.Insights) != 1 || len(s.Questions) != 1 {
		t.Errorf("insights = %v, questions = %v", s.Insights, s.Questions)
	}

	ft.pushUpdate(transport.Update{Kind: transport.KindPartial, Text: "hello there"})
	s = ctrl.Snapshot()
	if s.Text != "hello there" || len(s.Insights) != 1 {
		t.Errorf("update without insights should keep lists: %+v", s)
	}

	ft.pushUpdate(transport.Update{Kind: transport.KindUpdate, Text: "bye", Insights: &transport.Insights{}})
	if s := ctrl.Snapshot(); len(s.Insights) != 0 || len(s.Questions) != 0 {
		t.Errorf("empty insights should replace lists: %+v", s)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctrl, ft := newController(t, audio.NewFakeContextSamples(nil, false), worklet.NewRegistry())
	ft.pushUpdate(transport.Update{Kind: transport.KindUpdate, Text: "x", Insights: &transport.Insights{Insights: []string{"a"}}})

	s := ctrl.Snapshot()
	s.Insights[0] = "mutated"
	if ctrl.Snapshot().Insights[0] != "a" {
		t.Error("Snapshot shares memory with controller state")
	}
}

func TestConnectionState(t *testing.T) {
	ctrl, ft := newController(t, audio.NewFakeContextSamples(nil, false), worklet.NewRegistry())

	var mu sync.Mutex
	var seen []bool
	unsub := ctrl.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Connected)
		mu.Unlock()
	})

	ft.pushState(transport.StateConnecting)
	ft.pushState(transport.StateOpen)
	if !ctrl.Snapshot().Connected {
		t.Error("Connected should follow open state")
	}
	ft.pushState(transport.StateClosed)
	if s := ctrl.Snapshot(); s.Connected || s.Connection != transport.StateClosed {
		t.Errorf("snapshot = %+v", s)
	}

	unsub()
	ft.pushState(transport.StateOpen)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, true, false}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notifications = %v, want %v", seen, want)
		}
	}
}

func TestSubscribersSeeChangesInOrder(t *testing.T) {
	ctrl, ft := newController(t, audio.NewFakeContextSamples(nil, false), worklet.NewRegistry())

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var last State
	var first sync.Once
	unsub := ctrl.Subscribe(func(s State) {
		first.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		last = s
		mu.Unlock()
	})
	defer unsub()

	// The reader's update is mid-delivery when the connection opens.
	delivered := make(chan struct{})
	go func() {
		ft.pushUpdate(transport.Update{Kind: transport.KindPartial, Text: "hello"})
		close(delivered)
	}()
	<-entered

	opened := make(chan struct{})
	go func() {
		ft.pushState(transport.StateOpen)
		close(opened)
	}()
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("state change blocked behind a busy subscriber")
	}
	close(release)
	<-delivered

	mu.Lock()
	defer mu.Unlock()
	if !last.Connected || last.Text != "hello" {
		t.Errorf("subscriber last saw %+v, controller has %+v", last, ctrl.Snapshot())
	}
}

func TestTransportErrorsAndReconnect(t *testing.T) {
	ctrl, ft := newController(t, audio.NewFakeContextSamples(nil, false), worklet.NewRegistry())

	ft.pushError(transport.ErrBudgetExhausted)
	if !errors.Is(ctrl.Snapshot().Err, transport.ErrBudgetExhausted) {
		t.Fatalf("Err = %v", ctrl.Snapshot().Err)
	}

	ctrl.Reconnect(context.Background())
	if ctrl.Snapshot().Err != nil {
		t.Error("Reconnect should clear the error")
	}
	if ft.opened != 1 {
		t.Errorf("opened = %d, want 1", ft.opened)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	host := audio.NewFakeContextSamples(nil, false)
	ctrl, ft := newController(t, host, worklet.DefaultRegistry(4))

	if err := ctrl.ToggleRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctrl.Close()
	ctrl.Close()

	if ft.closed != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closed)
	}
	if ctrl.Snapshot().Recording || !host.Last().Closed() {
		t.Error("capture should be stopped after Close")
	}

	// Subscriptions to the transport are dropped.
	ft.pushUpdate(transport.Update{Kind: transport.KindUpdate, Text: "late"})
	if ctrl.Snapshot().Text == "late" {
		t.Error("update delivered after Close")
	}
}
