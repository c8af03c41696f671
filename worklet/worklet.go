// Package worklet runs the audio-processing stage on its own goroutine.
//
// The device callback posts frames into a bounded input queue and never
// waits; the stage buffers samples until the threshold is reached, encodes
// them as PCM16LE and posts the finished chunk on its port. The two sides
// share no memory besides the channels.
package worklet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"scribe/encoder"
)

const (
	DefaultName = "audio-processor"

	defaultInputQueue = 64
	defaultPortQueue  = 32
)

var ErrUnknownProcessor = errors.New("processor not registered")

// LoadError reports that a processor could not be loaded. Callers are
// expected to fall back to another capture strategy.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load processor %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Definition describes a processor the registry can instantiate.
type Definition struct {
	Threshold  int // samples per chunk
	InputQueue int // frames buffered between the audio thread and the stage
	PortQueue  int // chunks buffered on the port
}

func (d Definition) validate() error {
	if d.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", d.Threshold)
	}
	if d.InputQueue < 0 || d.PortQueue < 0 {
		return errors.New("queue sizes must not be negative")
	}
	return nil
}

type Loader interface {
	Load(name string) (*Node, error)
}

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry holds the PCM16 processor under DefaultName.
func DefaultRegistry(threshold int) *Registry {
	r := NewRegistry()
	r.Register(DefaultName, Definition{Threshold: threshold})
	return r
}

func (r *Registry) Register(name string, def Definition) {
	r.mu.Lock()
	r.defs[name] = def
	r.mu.Unlock()
}

func (r *Registry) Load(name string) (*Node, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &LoadError{Name: name, Err: ErrUnknownProcessor}
	}
	if err := def.validate(); err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}
	return newNode(name, def), nil
}

// Chunk is one encoded block posted on the port.
type Chunk struct {
	Seq     uint64
	PCM     []byte
	Samples int
}

type Node struct {
	name    string
	in      chan []float32
	port    chan Chunk
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newNode(name string, def Definition) *Node {
	inQ, portQ := def.InputQueue, def.PortQueue
	if inQ == 0 {
		inQ = defaultInputQueue
	}
	if portQ == 0 {
		portQ = defaultPortQueue
	}
	n := &Node{
		name: name,
		in:   make(chan []float32, inQ),
		port: make(chan Chunk, portQ),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go n.run(NewAccumulator(def.Threshold))
	return n
}

func (n *Node) Name() string { return n.name }

// Process hands a frame to the stage. It never blocks: when the stage is
// saturated or disconnected the frame is dropped and false is returned.
func (n *Node) Process(frame []float32) bool {
	select {
	case <-n.quit:
		return false
	default:
	}
	select {
	case n.in <- frame:
		return true
	case <-n.quit:
		return false
	default:
		n.dropped.Add(1)
		return false
	}
}

// Port delivers finished chunks in capture order. It is closed after
// Disconnect.
func (n *Node) Port() <-chan Chunk { return n.port }

func (n *Node) Dropped() uint64 { return n.dropped.Load() }

// Disconnect stops the stage and discards buffered samples. Safe to call
// more than once.
func (n *Node) Disconnect() {
	n.once.Do(func() { close(n.quit) })
	<-n.done
}

func (n *Node) run(acc *Accumulator) {
	defer close(n.done)
	defer close(n.port)
	for {
		select {
		case <-n.quit:
			return
		case frame := <-n.in:
			for _, c := range acc.Write(frame) {
				select {
				case n.port <- c:
				case <-n.quit:
					return
				}
			}
		}
	}
}

// Accumulator buffers samples and cuts them into threshold-sized PCM16
// chunks. Samples beyond the threshold carry over into the next chunk.
type Accumulator struct {
	threshold int
	buf       []float32
	seq       uint64
}

func NewAccumulator(threshold int) *Accumulator {
	return &Accumulator{threshold: threshold, buf: make([]float32, 0, threshold)}
}

func (a *Accumulator) Write(frame []float32) []Chunk {
	a.buf = append(a.buf, frame...)
	var out []Chunk
	for len(a.buf) >= a.threshold {
		out = append(out, Chunk{
			Seq:     a.seq,
			PCM:     encoder.PCM16(a.buf[:a.threshold]),
			Samples: a.threshold,
		})
		a.seq++
		rest := copy(a.buf, a.buf[a.threshold:])
		a.buf = a.buf[:rest]
	}
	return out
}

func (a *Accumulator) Pending() int { return len(a.buf) }

func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.seq = 0
}
