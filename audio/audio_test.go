package audio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scribe/encoder"
)

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		msg        string
		permission bool
	}{
		{"Access denied", true},
		{"ma_device_init: MA_ACCESS_DENIED permission", true},
		{"app is not authorized to use the microphone", true},
		{"connection refused", false},
		{"invalid sample rate", false},
	} {
		t.Run(tt.msg, func(t *testing.T) {
			err := classify("open", errors.New(tt.msg))
			if got := errors.Is(err, ErrPermissionDenied); got != tt.permission {
				t.Errorf("errors.Is(ErrPermissionDenied) = %v, want %v (%v)", got, tt.permission, err)
			}
		})
	}
	if classify("open", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

type staticContext struct {
	FakeContext
	devices []DeviceInfo
}

func (s *staticContext) Devices() ([]DeviceInfo, error) { return s.devices, nil }

func TestFindDevice(t *testing.T) {
	ctx := &staticContext{devices: []DeviceInfo{{ID: "1", Name: "USB Mic"}, {ID: "2", Name: "Built-in"}}}

	dev, err := FindDevice(ctx, "Built-in")
	if err != nil || dev == nil || dev.ID != "2" {
		t.Fatalf("FindDevice(Built-in) = %v, %v", dev, err)
	}

	dev, err = FindDevice(ctx, "")
	if err != nil || dev != nil {
		t.Fatalf("FindDevice(\"\") = %v, %v; want default (nil, nil)", dev, err)
	}

	if _, err := FindDevice(ctx, "Missing"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("missing device: got %v, want ErrNoDevice", err)
	}

	empty := &staticContext{}
	if _, err := FindDevice(empty, ""); !errors.Is(err, ErrNoDevice) {
		t.Errorf("empty list: got %v, want ErrNoDevice", err)
	}
}

func TestFakeCaptureReplay(t *testing.T) {
	samples := make([]float32, fakeFrameSize*2+10)
	ctx := NewFakeContextSamples(samples, false)

	dev, err := ctx.NewCapture(nil, CaptureConfig{SampleRate: encoder.SampleRate, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	var got int
	dev.SetCallback(func(s []float32) { got += len(s) })
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	if got != len(samples) {
		t.Errorf("replayed %d samples, want %d", got, len(samples))
	}
	fc := dev.(*FakeCapture)
	select {
	case <-fc.AudioDone():
	default:
		t.Error("AudioDone should be closed after replay")
	}
	dev.Close()
	dev.Close()
	if !fc.Closed() || fc.Running() {
		t.Error("capture should be closed and stopped")
	}
}

func TestFakeCaptureRealtime(t *testing.T) {
	ctx := NewFakeContextSamples(make([]float32, fakeFrameSize), true)
	dev, err := ctx.NewCapture(nil, CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	frames := make(chan int, 64)
	dev.SetCallback(func(s []float32) {
		select {
		case frames <- len(s):
		default:
		}
	})
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-dev.(*FakeCapture).AudioDone():
	case <-time.After(2 * time.Second):
		t.Fatal("realtime replay did not finish")
	}
	dev.Stop()
	dev.Stop()
	if len(frames) == 0 {
		t.Error("expected frames from realtime feeder")
	}
}

func TestFakeContextErrors(t *testing.T) {
	ctx := NewFakeContextSamples(nil, false)
	ctx.OpenErr = ErrPermissionDenied
	if _, err := ctx.NewCapture(nil, CaptureConfig{}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("got %v, want ErrPermissionDenied", err)
	}

	ctx.OpenErr = nil
	ctx.StartErr = ErrNoDevice
	dev, err := ctx.NewCapture(nil, CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Start: got %v, want ErrNoDevice", err)
	}
}

func TestNewFakeContextWAV(t *testing.T) {
	pcm := encoder.PCM16([]float32{0.5, -0.5, 0.25})
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, encoder.WAV(pcm), 0644); err != nil {
		t.Fatal(err)
	}
	ctx, err := NewFakeContext(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.samples) != 3 {
		t.Fatalf("decoded %d samples, want 3", len(ctx.samples))
	}
	if ctx.samples[0] < 0.49 || ctx.samples[1] > -0.49 {
		t.Errorf("unexpected samples %v", ctx.samples)
	}
}
