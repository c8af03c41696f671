// Package session wires capture to transport and keeps the state the
// presentation layer renders.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"scribe/capture"
	"scribe/log"
	"scribe/transport"
)

type Capturer interface {
	Start(ctx context.Context) (capture.Strategy, error)
	Stop()
	Recording() bool
	OnChunk(h func(capture.Chunk))
}

type Transport interface {
	Open(ctx context.Context)
	Close()
	Send(chunk capture.Chunk)
	OnState(fn func(transport.State)) func()
	OnUpdate(fn func(transport.Update)) func()
	OnError(fn func(error)) func()
}

// State is a point-in-time copy of everything the overlay shows.
type State struct {
	ID         string
	Text       string
	Insights   []string
	Questions  []string
	Recording  bool
	Connected  bool
	Connection transport.State
	Strategy   capture.Strategy
	Err        error
}

func (s State) clone() State {
	s.Insights = append([]string(nil), s.Insights...)
	s.Questions = append([]string(nil), s.Questions...)
	return s
}

type Option func(*Controller)

// WithBackend names the backend in session logs.
func WithBackend(url string) Option {
	return func(c *Controller) { c.backend = url }
}

type Controller struct {
	capture Capturer
	channel Transport
	backend string

	toggleMu sync.Mutex

	mu       sync.Mutex
	state    State
	pending  []State
	draining bool
	updates  int
	nextSub  int
	subs     map[int]func(State)
	unwire   []func()
	closed   bool
}

func New(c Capturer, t Transport, opts ...Option) *Controller {
	ctrl := &Controller{
		capture: c,
		channel: t,
		subs:    make(map[int]func(State)),
	}
	for _, o := range opts {
		o(ctrl)
	}

	c.OnChunk(t.Send)
	ctrl.unwire = []func(){
		t.OnState(ctrl.handleState),
		t.OnUpdate(ctrl.handleUpdate),
		t.OnError(ctrl.handleError),
	}
	return ctrl
}

// Start opens the transport. Capture is started separately with
// ToggleRecording.
func (c *Controller) Start(ctx context.Context) {
	c.channel.Open(ctx)
}

// Reconnect restarts the transport after its retry budget ran out.
func (c *Controller) Reconnect(ctx context.Context) {
	c.mutate(func(s *State) { s.Err = nil })
	c.channel.Open(ctx)
}

// ToggleRecording starts capture when idle and stops it otherwise. A failed
// start is returned and leaves the transport alone.
func (c *Controller) ToggleRecording(ctx context.Context) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	if c.capture.Recording() {
		c.capture.Stop()
		var id string
		var updates int
		c.mutate(func(s *State) {
			id = s.ID
			updates = c.updates
			s.Recording = false
			s.Strategy = capture.StrategyNone
		})
		log.SessionEnd(id, updates)
		return nil
	}

	strategy, err := c.capture.Start(ctx)
	if err != nil {
		log.Errorf("start recording: %v", err)
		c.mutate(func(s *State) {
			s.Recording = false
			s.Err = err
		})
		return err
	}

	id := uuid.NewString()
	c.mutate(func(s *State) {
		s.ID = id
		s.Recording = true
		s.Strategy = strategy
		s.Err = nil
		c.updates = 0
	})
	log.SessionStart(id, c.backend, string(strategy))
	return nil
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers fn for every state change. Snapshots arrive in the
// order the changes were made; fn may run on whichever goroutine is already
// delivering when the change happens.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Close stops capture and the transport. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unwire := c.unwire
	c.unwire = nil
	c.mu.Unlock()

	c.toggleMu.Lock()
	recording := c.capture.Recording()
	c.capture.Stop()
	c.toggleMu.Unlock()

	for _, fn := range unwire {
		fn()
	}
	c.channel.Close()

	var id string
	var updates int
	c.mutate(func(s *State) {
		id = s.ID
		updates = c.updates
		s.Recording = false
		s.Strategy = capture.StrategyNone
		s.Connected = false
		s.Connection = transport.StateClosed
	})
	if recording {
		log.SessionEnd(id, updates)
	}
}

func (c *Controller) handleState(st transport.State) {
	c.mutate(func(s *State) {
		s.Connection = st
		s.Connected = st == transport.StateOpen
	})
}

func (c *Controller) handleUpdate(u transport.Update) {
	c.mutate(func(s *State) {
		c.updates++
		s.Text = u.Text
		if u.Insights != nil {
			s.Insights = append([]string(nil), u.Insights.Insights...)
			s.Questions = append([]string(nil), u.Insights.Questions...)
		}
	})
	if u.Final() && u.Text != "" {
		log.TranscriptText(u.Text)
	}
}

func (c *Controller) handleError(err error) {
	c.mutate(func(s *State) { s.Err = err })
}

func (c *Controller) mutate(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.pending = append(c.pending, c.state.clone())
	c.mu.Unlock()
	c.flush()
}

// flush delivers queued snapshots. Only one goroutine drains at a time;
// others enqueue and return.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		snap := c.pending[0]
		c.pending = c.pending[1:]
		subs := make([]func(State), 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s(snap)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}
