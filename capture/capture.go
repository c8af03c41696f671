package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scribe/audio"
	"scribe/encoder"
	"scribe/log"
	"scribe/worklet"
)

type Strategy string

const (
	StrategyNone     Strategy = ""
	StrategyWorklet  Strategy = "worklet"
	StrategyFallback Strategy = "fallback"
)

type Kind int

const (
	KindPCM Kind = iota
	KindBlob
)

func (k Kind) String() string {
	if k == KindBlob {
		return "blob"
	}
	return "pcm"
}

const (
	MIMEPCM = "audio/pcm"

	DefaultBlobInterval = 100 * time.Millisecond
)

// Chunk is one unit of encoded audio in capture order. Data is PCM16LE for
// KindPCM and an opaque container (see MIME) for KindBlob.
type Chunk struct {
	Seq  uint64
	Kind Kind
	MIME string
	Data []byte
}

var ErrStarting = errors.New("capture start already in progress")

type Options struct {
	Device       string // empty selects the system default
	Processor    string
	BlobInterval time.Duration
	Format       encoder.Format // fallback container
}

func (o Options) withDefaults() Options {
	if o.Processor == "" {
		o.Processor = worklet.DefaultName
	}
	if o.BlobInterval <= 0 {
		o.BlobInterval = DefaultBlobInterval
	}
	if o.Format == "" {
		o.Format = encoder.FormatWAV
	}
	return o
}

type Stats struct {
	Frames        uint64
	Chunks        uint64
	DroppedFrames uint64
}

// stage is the consumer of device frames: a worklet node or the fallback
// recorder.
type stage interface {
	Process(frame []float32) bool
}

// session holds everything acquired by one successful Start.
type session struct {
	dev     audio.CaptureDevice
	node    *worklet.Node
	rec     *recorder
	fwdDone chan struct{}
	started time.Time
}

func (s *session) release() {
	if s.dev != nil {
		s.dev.ClearCallback()
		s.dev.Stop()
		s.dev.Close()
	}
	if s.node != nil {
		s.node.Disconnect()
	}
	if s.rec != nil {
		s.rec.stop()
	}
	if s.fwdDone != nil {
		<-s.fwdDone
	}
}

type Pipeline struct {
	host    audio.Context
	modules worklet.Loader
	opts    Options

	mu          sync.Mutex
	handler     func(Chunk)
	gen         uint64
	cancelStart context.CancelFunc
	recording   bool
	strategy    Strategy
	active      *session

	frames        atomic.Uint64
	chunks        atomic.Uint64
	droppedFrames atomic.Uint64
}

func New(host audio.Context, modules worklet.Loader, opts Options) *Pipeline {
	return &Pipeline{host: host, modules: modules, opts: opts.withDefaults()}
}

// OnChunk sets the chunk handler. It is called from a single goroutine in
// capture order and must not call Stop.
func (p *Pipeline) OnChunk(h func(Chunk)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

func (p *Pipeline) Strategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:        p.frames.Load(),
		Chunks:        p.chunks.Load(),
		DroppedFrames: p.droppedFrames.Load(),
	}
}

// Start acquires the microphone and begins emitting chunks. The worklet
// strategy is tried first; if its processor cannot be loaded the fallback
// recorder is used instead. On failure nothing stays acquired.
func (p *Pipeline) Start(ctx context.Context) (Strategy, error) {
	p.mu.Lock()
	if p.recording {
		s := p.strategy
		p.mu.Unlock()
		return s, nil
	}
	if p.cancelStart != nil {
		p.mu.Unlock()
		return StrategyNone, ErrStarting
	}
	startCtx, cancel := context.WithCancel(ctx)
	p.cancelStart = cancel
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.cancelStart = nil
		p.mu.Unlock()
		cancel()
	}()

	p.frames.Store(0)
	p.chunks.Store(0)
	p.droppedFrames.Store(0)

	dev, err := p.acquire(startCtx)
	if err != nil {
		return StrategyNone, fmt.Errorf("acquiring microphone: %w", err)
	}
	s := &session{dev: dev, fwdDone: make(chan struct{})}

	strategy := StrategyWorklet
	var sink stage
	node, err := p.modules.Load(p.opts.Processor)
	var loadErr *worklet.LoadError
	switch {
	case err == nil:
		s.node = node
		sink = node
		go p.forwardPCM(gen, node.Port(), s.fwdDone)
	case errors.As(err, &loadErr):
		log.Warnf("audio processor unavailable, using fallback recorder: %v", err)
		strategy = StrategyFallback
		s.rec = newRecorder(p.opts.Format, p.opts.BlobInterval)
		sink = s.rec
		go p.forwardBlobs(gen, s.rec.out, s.fwdDone)
	default:
		close(s.fwdDone)
		s.release()
		return StrategyNone, fmt.Errorf("loading audio processor: %w", err)
	}

	dev.SetCallback(func(frame []float32) {
		p.frames.Add(1)
		if !sink.Process(frame) {
			if p.droppedFrames.Add(1) == 1 {
				log.Warn("processing stage saturated, dropping frames")
			}
		}
	})

	if err := dev.Start(); err != nil {
		s.release()
		return StrategyNone, fmt.Errorf("starting microphone: %w", err)
	}
	s.started = time.Now()

	p.mu.Lock()
	if err := startCtx.Err(); err != nil || gen != p.gen {
		p.mu.Unlock()
		s.release()
		if err == nil {
			err = context.Canceled
		}
		return StrategyNone, err
	}
	p.recording = true
	p.strategy = strategy
	p.active = s
	p.mu.Unlock()

	log.Infof("capture started: strategy=%s device=%s", strategy, dev.DeviceName())
	return strategy, nil
}

type acquired struct {
	dev audio.CaptureDevice
	err error
}

// acquire opens the device on a separate goroutine so a cancelled context
// can abandon a pending permission prompt. A device that arrives after
// cancellation is closed.
func (p *Pipeline) acquire(ctx context.Context) (audio.CaptureDevice, error) {
	result := make(chan acquired, 1)
	go func() {
		info, err := audio.FindDevice(p.host, p.opts.Device)
		if err != nil {
			result <- acquired{err: err}
			return
		}
		dev, err := p.host.NewCapture(info, audio.CaptureConfig{
			SampleRate:    encoder.SampleRate,
			Channels:      encoder.Channels,
			BitsPerSample: encoder.BitsPerSample,
		})
		result <- acquired{dev: dev, err: err}
	}()

	select {
	case r := <-result:
		return r.dev, r.err
	case <-ctx.Done():
		go func() {
			if r := <-result; r.dev != nil {
				r.dev.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Stop releases everything acquired by Start and cancels a Start that is
// still acquiring the device. Safe to call when idle or more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.cancelStart != nil {
		p.cancelStart()
	}
	if !p.recording {
		p.mu.Unlock()
		return
	}
	s := p.active
	strategy := p.strategy
	p.active = nil
	p.recording = false
	p.strategy = StrategyNone
	p.gen++
	p.mu.Unlock()

	device := s.dev.DeviceName()
	s.release()

	st := p.Stats()
	log.CaptureStats(log.CaptureStatsData{
		Strategy:      string(strategy),
		Device:        device,
		Frames:        st.Frames,
		Chunks:        st.Chunks,
		DroppedFrames: st.DroppedFrames,
		DurationS:     time.Since(s.started).Seconds(),
	})
}

func (p *Pipeline) emit(gen uint64, c Chunk) {
	p.mu.Lock()
	h := p.handler
	live := gen == p.gen
	p.mu.Unlock()
	if !live || h == nil {
		return
	}
	p.chunks.Add(1)
	h(c)
}

func (p *Pipeline) forwardPCM(gen uint64, port <-chan worklet.Chunk, done chan struct{}) {
	defer close(done)
	var seq uint64
	for wc := range port {
		p.emit(gen, Chunk{Seq: seq, Kind: KindPCM, MIME: MIMEPCM, Data: wc.PCM})
		seq++
	}
}

func (p *Pipeline) forwardBlobs(gen uint64, blobs <-chan []byte, done chan struct{}) {
	defer close(done)
	var seq uint64
	for blob := range blobs {
		p.emit(gen, Chunk{Seq: seq, Kind: KindBlob, MIME: p.opts.Format.MIME(), Data: blob})
		seq++
	}
}
