package audio

import (
	"math"
	"testing"
)

func TestFloatToPCM16RoundTrip(t *testing.T) {
	in := []float32{0.0, 0.5, -0.5, 1.0, -1.0}
	pcm := FloatToPCM16(in)
	out := PCM16ToFloat(pcm)
	// One quantization step at 16 bits.
	const step = 1.0 / 32768.0
	for i := range in {
		if diff := math.Abs(float64(out[i] - in[i])); diff > step {
			t.Fatalf("sample %d: got %v want %v (diff %v > %v)", i, out[i], in[i], diff, step)
		}
	}
}

func TestFloatToPCM16Clamps(t *testing.T) {
	pcm := FloatToPCM16([]float32{2.0, -2.0})
	if pcm[0] != 32767 {
		t.Fatalf("expected positive clamp to 32767, got %d", pcm[0])
	}
	if pcm[1] != -32767 {
		t.Fatalf("expected negative clamp to -32767, got %d", pcm[1])
	}
}

func TestPCM16BytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := BytesToPCM16(PCM16Bytes(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestBytesToPCM16DropsTrailingOddByte(t *testing.T) {
	out := BytesToPCM16([]byte{0x01, 0x00, 0xFF})
	if len(out) != 1 || out[0] != 1 {
		t.Fatalf("expected single sample 1, got %v", out)
	}
}

func TestResampleDownsamplesLength(t *testing.T) {
	in := make([]int16, 480)
	for i := range in {
		in[i] = int16(i)
	}
	out := Resample(in, 48000, 16000)
	if len(out) != 160 {
		t.Fatalf("expected 160 samples, got %d", len(out))
	}
	// Monotone input stays monotone through linear interpolation.
	for i := 1; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("output not monotone at %d: %d < %d", i, out[i], out[i-1])
		}
	}
}

func TestResampleSameRateCopies(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Resample(in, 16000, 16000)
	out[0] = 99
	if in[0] != 1 {
		t.Fatalf("expected copy, input mutated")
	}
}

func TestLevelOf(t *testing.T) {
	if lv := LevelOf(nil); lv != 0 {
		t.Fatalf("expected 0 level for empty input, got %v", lv)
	}
	lv := LevelOf([]int16{16384, -16384})
	if lv < 0.49 || lv > 0.51 {
		t.Fatalf("expected ~0.5 level, got %v", lv)
	}
}
