package encoder

import (
	"encoding/base64"
	"fmt"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BytesPerFrame = Channels * BitsPerSample / 8

	// ChunkSamples is the accumulation threshold of the processing stage.
	// 2048 samples is 128ms at 16kHz.
	ChunkSamples = 2048
)

// Format names a container used for fallback blobs.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatWAV, FormatFLAC:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown container format %q (use wav or flac)", s)
	}
}

// MIME returns the media type used in data URIs.
func (f Format) MIME() string {
	if f == FormatFLAC {
		return "audio/flac"
	}
	return "audio/wav"
}

// Container wraps a PCM16LE mono buffer in f.
func (f Format) Container(pcm []byte) ([]byte, error) {
	if f == FormatFLAC {
		return FLAC(pcm)
	}
	return WAV(pcm), nil
}

// Base64 encodes pcm for channels that only carry text frames.
func Base64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DataURI returns "data:<mime>;base64,<payload>".
func DataURI(mime string, payload []byte) string {
	return "data:" + mime + ";base64," + Base64(payload)
}

// Duration returns the audio length of a PCM16LE buffer in seconds.
func Duration(pcm []byte) float64 {
	return float64(len(pcm)/BytesPerFrame) / float64(SampleRate)
}
