package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"scribe/capture"
	"scribe/log"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultSendQueue      = 64
)

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	MaxAttempts    int // consecutive failed opens before giving up
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration // negative disables keepalive
	SendQueue      int
	Dial           DialFunc
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.Dial == nil {
		c.Dial = DialWebSocket
	}
	return c
}

type Stats struct {
	Sent       uint64
	SentBytes  uint64
	Dropped    uint64
	Received   uint64
	Malformed  uint64
	Reconnects uint64
}

// liveConn is one established connection with its own writer queue.
type liveConn struct {
	ws     Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (l *liveConn) close(code websocket.StatusCode, reason string) {
	l.once.Do(func() {
		l.cancel()
		l.ws.Close(code, reason)
	})
}

// Channel keeps at most one websocket to the backend open and re-dials it
// after failures, until MaxAttempts consecutive dials have failed.
type Channel struct {
	cfg Config

	mu         sync.Mutex
	base       context.Context
	state      State
	pending    []State
	draining   bool
	attempts   int
	gen        uint64
	cancelDial context.CancelFunc
	retry      *time.Timer
	live       *liveConn
	warned     bool

	subMu      sync.Mutex
	nextSub    int
	stateSubs  map[int]func(State)
	updateSubs map[int]func(Update)
	errorSubs  map[int]func(error)

	sent       atomic.Uint64
	sentBytes  atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64
	malformed  atomic.Uint64
	reconnects atomic.Uint64
}

func New(cfg Config) *Channel {
	return &Channel{
		cfg:        cfg.withDefaults(),
		base:       context.Background(),
		stateSubs:  make(map[int]func(State)),
		updateSubs: make(map[int]func(Update)),
		errorSubs:  make(map[int]func(error)),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of failed dials since the last successful
// connection or explicit Open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		SentBytes:  c.sentBytes.Load(),
		Dropped:    c.dropped.Load(),
		Received:   c.received.Load(),
		Malformed:  c.malformed.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Open starts connecting, or restarts after the retry budget ran out. The
// attempt counter is reset. ctx bounds the channel's lifetime: once it is
// done no further dials are made.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	c.base = ctx
	c.attempts = 0
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.connectLocked()
	c.mu.Unlock()
	c.flushStates()
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	c.pending = append(c.pending, s)
}

func (c *Channel) connectLocked() {
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithTimeout(c.base, c.cfg.DialTimeout)
	c.cancelDial = cancel
	c.setStateLocked(StateConnecting)
	log.ConnectionState(c.cfg.URL, StateConnecting.String(), c.attempts)
	go c.dial(dialCtx, cancel, gen)
}

func (c *Channel) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	ws, err := c.cfg.Dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			ws.Close(websocket.StatusGoingAway, "superseded")
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.setStateLocked(StateClosed)
		exhausted := c.scheduleRetryLocked(true)
		c.mu.Unlock()
		log.Warnf("%v", &ConnectionError{Op: "dial", URL: c.cfg.URL, Err: err})
		c.flushStates()
		if exhausted {
			c.publishError(ErrBudgetExhausted)
		}
		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	lc := &liveConn{
		ws:     ws,
		out:    make(chan []byte, c.cfg.SendQueue),
		ctx:    connCtx,
		cancel: connCancel,
	}
	c.live = lc
	c.attempts = 0
	c.warned = false
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	log.ConnectionState(c.cfg.URL, StateOpen.String(), 0)
	go c.writeLoop(lc, gen)
	go c.readLoop(lc, gen)
	c.flushStates()
}

// scheduleRetryLocked arms the reconnect timer and reports whether the
// budget is exhausted instead. Only failed dials count against the budget;
// a dropped connection is re-dialed with the counter still at zero.
func (c *Channel) scheduleRetryLocked(failedDial bool) bool {
	if c.base.Err() != nil {
		return false
	}
	if failedDial {
		c.attempts++
		if c.attempts >= c.cfg.MaxAttempts {
			log.Warnf("max reconnection attempts reached (%d)", c.cfg.MaxAttempts)
			return true
		}
	}
	c.reconnects.Add(1)
	gen := c.gen
	log.Infof("reconnecting in %s (failed %d/%d)", c.cfg.ReconnectDelay, c.attempts, c.cfg.MaxAttempts)
	c.retry = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		if gen != c.gen || c.state != StateClosed || c.base.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		c.connectLocked()
		c.mu.Unlock()
		c.flushStates()
	})
	return false
}

func (c *Channel) connLost(lc *liveConn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.live != lc {
		c.mu.Unlock()
		return
	}
	c.live = nil
	c.setStateLocked(StateClosed)
	exhausted := c.scheduleRetryLocked(false)
	c.mu.Unlock()

	lc.close(websocket.StatusGoingAway, "")
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		log.Info("connection closed by backend")
	} else {
		log.Warnf("connection lost: %v", err)
	}
	log.ConnectionState(c.cfg.URL, StateClosed.String(), c.Attempts())
	c.flushStates()
	if exhausted {
		c.publishError(ErrBudgetExhausted)
	}
}

func (c *Channel) writeLoop(lc *liveConn, gen uint64) {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-lc.ctx.Done():
			return
		case msg := <-lc.out:
			ctx, cancel := context.WithTimeout(lc.ctx, c.cfg.WriteTimeout)
			err := lc.ws.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.connLost(lc, gen, &ConnectionError{Op: "write", URL: c.cfg.URL, Err: err})
				return
			}
			c.sent.Add(1)
			c.sentBytes.Add(uint64(len(msg)))
		case <-ping:
			ctx, cancel := context.WithTimeout(lc.ctx, c.cfg.WriteTimeout)
			err := lc.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.connLost(lc, gen, &ConnectionError{Op: "ping", URL: c.cfg.URL, Err: err})
				return
			}
		}
	}
}

func (c *Channel) readLoop(lc *liveConn, gen uint64) {
	for {
		_, data, err := lc.ws.Read(lc.ctx)
		if err != nil {
			if lc.ctx.Err() != nil {
				return
			}
			c.connLost(lc, gen, &ConnectionError{Op: "read", URL: c.cfg.URL, Err: err})
			return
		}
		c.received.Add(1)

		c.mu.Lock()
		current := gen == c.gen
		c.mu.Unlock()
		if !current {
			return
		}

		u, err := ParseUpdate(data)
		var remote *RemoteError
		switch {
		case errors.As(err, &remote):
			log.Warnf("%v", remote)
			c.publishError(remote)
		case err != nil:
			c.malformed.Add(1)
			log.Warnf("dropping inbound message: %v", err)
		default:
			c.publishUpdate(u)
		}
	}
}

// Send queues chunk for transmission on the open connection. While the
// channel is not open the chunk is dropped, never buffered for later.
func (c *Channel) Send(chunk capture.Chunk) {
	c.mu.Lock()
	lc := c.live
	open := c.state == StateOpen && lc != nil
	warn := !open && !c.warned
	if warn {
		c.warned = true
	}
	c.mu.Unlock()

	if !open {
		c.dropped.Add(1)
		if warn {
			log.Warn("not connected, dropping audio")
		}
		return
	}

	msg, err := Encode(chunk)
	if err != nil {
		c.dropped.Add(1)
		log.Errorf("encode chunk %d: %v", chunk.Seq, err)
		return
	}

	select {
	case lc.out <- msg:
	default:
		c.dropped.Add(1)
		log.Warnf("send queue full, dropping chunk %d", chunk.Seq)
	}
}

// Close tears the channel down: pending retries and dials are cancelled,
// the live connection is closed and all subscriptions are removed. Open
// may be called again afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	lc := c.live
	c.live = nil
	c.attempts = 0
	wasClosed := c.state == StateClosed && lc == nil
	c.state = StateClosed
	c.pending = nil
	c.mu.Unlock()

	c.subMu.Lock()
	clear(c.stateSubs)
	clear(c.updateSubs)
	clear(c.errorSubs)
	c.subMu.Unlock()

	if lc != nil {
		lc.close(websocket.StatusNormalClosure, "")
	}
	if !wasClosed {
		log.ConnectionState(c.cfg.URL, StateClosed.String(), 0)
	}
	st := c.Stats()
	log.SendStats(log.SendStatsData{
		Sent:       st.Sent,
		SentKB:     float64(st.SentBytes) / 1024,
		Dropped:    st.Dropped,
		Received:   st.Received,
		Malformed:  st.Malformed,
		Reconnects: st.Reconnects,
	})
}

func (c *Channel) OnState(fn func(State)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.stateSubs, id)
		c.subMu.Unlock()
	}
}

func (c *Channel) OnUpdate(fn func(Update)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.updateSubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.updateSubs, id)
		c.subMu.Unlock()
	}
}

func (c *Channel) OnError(fn func(error)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.errorSubs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.errorSubs, id)
		c.subMu.Unlock()
	}
}

// flushStates delivers queued transitions in the order they happened.
// Whichever goroutine finds the queue idle drains it; the rest only
// enqueue.
func (c *Channel) flushStates() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.publishState(s)
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Channel) publishState(s State) {
	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (c *Channel) publishUpdate(u Update) {
	c.subMu.Lock()
	subs := make([]func(Update), 0, len(c.updateSubs))
	for _, fn := range c.updateSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (c *Channel) publishError(err error) {
	c.subMu.Lock()
	subs := make([]func(error), 0, len(c.errorSubs))
	for _, fn := range c.errorSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}
