package encoder

import "encoding/binary"

// Sample16 converts one float sample to a signed 16-bit value. Samples are
// clamped to [-1, 1]; negative values scale by 32768, the rest by 32767.
func Sample16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// PCM16 encodes samples as little-endian 16-bit PCM, two bytes per sample.
func PCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Sample16(s)))
	}
	return out
}

// Int16s decodes a PCM16LE buffer. A trailing odd byte is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Float32s decodes a PCM16LE buffer into samples in [-1, 1).
func Float32s(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
