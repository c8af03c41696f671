package audio

import (
	"os"
	"sync"
	"time"

	"scribe/encoder"
)

const fakeFrameSize = 1024

// FakeContext replays samples instead of opening hardware. The exported
// error fields inject host failures.
type FakeContext struct {
	OpenErr  error         // returned by NewCapture
	StartErr error         // returned by CaptureDevice.Start
	Hold     chan struct{} // when set, NewCapture waits for it to close

	samples  []float32
	realtime bool

	mu       sync.Mutex
	captures []*FakeCapture
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	return NewFakeContextSamples(encoder.Float32s(encoder.StripWAVHeader(data)), realtime), nil
}

func NewFakeContextSamples(samples []float32, realtime bool) *FakeContext {
	return &FakeContext{samples: samples, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	if f.Hold != nil {
		<-f.Hold
	}
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	c := &FakeCapture{
		samples:   f.samples,
		realtime:  f.realtime,
		startErr:  f.StartErr,
		audioDone: make(chan struct{}),
	}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

// Captures returns every device handed out so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

// Last returns the most recently opened device, or nil.
func (f *FakeContext) Last() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return nil
	}
	return f.captures[len(f.captures)-1]
}

type FakeCapture struct {
	samples   []float32
	realtime  bool
	startErr  error
	audioDone chan struct{}
	doneOnce  sync.Once

	mu       sync.Mutex
	cb       FrameCallback
	running  bool
	closed   bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb FrameCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

// Emit delivers one frame to the callback as the audio thread would.
func (f *FakeCapture) Emit(samples []float32) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func (f *FakeCapture) markAudioDone() {
	f.doneOnce.Do(func() { close(f.audioDone) })
}

func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) frame(pos int) ([]float32, int) {
	end := min(pos+fakeFrameSize, len(f.samples))
	out := make([]float32, end-pos)
	copy(out, f.samples[pos:end])
	return out, end
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stop, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	if len(f.samples) == 0 {
		close(feedDone)
		return nil
	}

	if !f.realtime {
		for pos := 0; pos < len(f.samples); {
			var frame []float32
			frame, pos = f.frame(pos)
			f.Emit(frame)
		}
		f.markAudioDone()
		close(feedDone)
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(encoder.SampleRate)
	go func() {
		defer close(feedDone)
		pos := 0
		silence := make([]float32, fakeFrameSize)
		audioFinished := false
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if pos < len(f.samples) {
				var frame []float32
				frame, pos = f.frame(pos)
				f.Emit(frame)
			} else {
				if !audioFinished {
					audioFinished = true
					f.markAudioDone()
				}
				f.Emit(silence)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	feedDone := f.feedDone
	f.mu.Unlock()
	<-feedDone
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.cb = nil
	f.mu.Unlock()
}
