package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts float samples in [-1, 1] to 16-bit signed PCM.
// Out-of-range samples are clamped before scaling.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(math.Round(float64(s) * 32767))
	}
	return out
}

// PCM16ToFloat converts 16-bit signed PCM samples to floats in [-1, 1).
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// PCM16Bytes packs samples as little-endian bytes, the wire layout for
// every PCM payload in this codebase.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 unpacks little-endian bytes into samples. A trailing odd byte
// is dropped rather than producing a corrupt sample.
func BytesToPCM16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Resample converts samples from one rate to another by linear
// interpolation. Integer downsampling ratios (48k->16k) reduce to plain
// decimation; arbitrary device rates interpolate.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(fromRate) / float64(toRate)
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

// LevelOf returns the average rectified magnitude of the samples normalized
// to [0, 1]. Advisory signal for visualization only.
func LevelOf(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples)) / 32768.0
}
