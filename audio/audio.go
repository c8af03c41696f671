package audio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("microphone access denied")
	ErrNoDevice         = errors.New("no audio input device")
)

// FrameCallback receives mono float samples in [-1, 1]. It runs on the
// backend's audio thread and must not block.
type FrameCallback func(samples []float32)

type CaptureConfig struct {
	SampleRate    uint32
	Channels      uint32
	BitsPerSample uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb FrameCallback)
	ClearCallback()
	DeviceName() string
}

var permissionHints = []string{
	"permission", "access denied", "not authorized", "not permitted", "operation not allowed",
}

// classify maps backend errors onto ErrPermissionDenied when the message
// says so. Backends only report access problems as text.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	for _, h := range permissionHints {
		if strings.Contains(lower, h) {
			return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FindDevice returns the device called name, or nil for the system default
// when name is empty. An empty device list is ErrNoDevice.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	if name == "" {
		return nil, nil
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q not found", ErrNoDevice, name)
}
