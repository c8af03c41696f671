package capture

import (
	"sync"
	"time"

	"scribe/encoder"
	"scribe/log"
)

const recorderQueue = 64

// recorder is the fallback strategy. It collects PCM from device frames and
// every interval wraps what it has in a container blob.
type recorder struct {
	format   encoder.Format
	interval time.Duration

	in   chan []float32
	out  chan []byte
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newRecorder(format encoder.Format, interval time.Duration) *recorder {
	r := &recorder{
		format:   format,
		interval: interval,
		in:       make(chan []float32, recorderQueue),
		out:      make(chan []byte, 8),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *recorder) Process(frame []float32) bool {
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.in <- frame:
		return true
	default:
		return false
	}
}

// stop discards audio not yet flushed into a blob.
func (r *recorder) stop() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
}

func (r *recorder) run() {
	defer close(r.done)
	defer close(r.out)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pcm []byte
	for {
		select {
		case <-r.quit:
			return
		case frame := <-r.in:
			pcm = append(pcm, encoder.PCM16(frame)...)
		case <-ticker.C:
			if len(pcm) == 0 {
				continue
			}
			blob, err := r.format.Container(pcm)
			pcm = nil
			if err != nil {
				log.Errorf("fallback %s encode: %v", r.format, err)
				continue
			}
			select {
			case r.out <- blob:
			case <-r.quit:
				return
			}
		}
	}
}
