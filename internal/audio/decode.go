package audio

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hraban/opus"
)

// Codec selects how inbound agent audio payloads are decoded.
type Codec string

const (
	// CodecPCM16 expects either a self-describing WAV container or raw
	// little-endian 16-bit PCM at the configured rate.
	CodecPCM16 Codec = "pcm16"
	// CodecOpus expects one Opus frame per payload.
	CodecOpus Codec = "opus"
)

// CodecForFormat maps a provisioned wire format name such as "pcm_16000" or
// "opus_48000" to the codec and sample rate it implies.
func CodecForFormat(format string) (Codec, int, error) {
	i := strings.LastIndexByte(format, '_')
	if i <= 0 {
		return "", 0, fmt.Errorf("unrecognized audio format %q", format)
	}
	rate, err := strconv.Atoi(format[i+1:])
	if err != nil || rate <= 0 {
		return "", 0, fmt.Errorf("unrecognized audio format %q", format)
	}
	switch format[:i] {
	case "pcm":
		return CodecPCM16, rate, nil
	case "opus":
		return CodecOpus, rate, nil
	}
	return "", 0, fmt.Errorf("unrecognized audio format %q", format)
}

// Decoder turns wire audio payloads into playable samples. It tolerates two
// PCM representations: a WAV container decoded via the generic decoder, and
// raw PCM16 at the fixed rate used when container parsing fails.
type Decoder struct {
	codec Codec
	rate  int
	opus  *opus.Decoder
}

// NewDecoder builds a decoder for the negotiated codec. rate is the sample
// rate assumed for raw PCM payloads and Opus output.
func NewDecoder(codec Codec, rate int) (*Decoder, error) {
	d := &Decoder{codec: codec, rate: rate}
	if codec == CodecOpus {
		od, err := opus.NewDecoder(rate, 1)
		if err != nil {
			return nil, fmt.Errorf("opus decoder: %w", err)
		}
		d.opus = od
	}
	return d, nil
}

// Decode returns the samples and their sample rate.
func (d *Decoder) Decode(payload []byte) ([]int16, int, error) {
	if len(payload) == 0 {
		return nil, d.rate, fmt.Errorf("empty audio payload")
	}
	if d.codec == CodecOpus {
		pcm := make([]int16, d.rate/1000*120) // max 120ms frame
		n, err := d.opus.Decode(payload, pcm)
		if err != nil {
			return nil, d.rate, fmt.Errorf("opus decode: %w", err)
		}
		return pcm[:n], d.rate, nil
	}
	if pcm, rate, ok := decodeWAV(payload); ok {
		return pcm, rate, nil
	}
	// Raw PCM16 fallback: Int16 sample / 32768 is the float mapping, but
	// playback consumes int16 directly.
	return BytesToPCM16(payload), d.rate, nil
}

func decodeWAV(payload []byte) ([]int16, int, bool) {
	dec := wav.NewDecoder(bytes.NewReader(payload))
	if !dec.IsValidFile() {
		return nil, 0, false
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil || buf == nil || buf.Format == nil {
		return nil, 0, false
	}
	pcm := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		pcm[i] = int16(s)
	}
	return pcm, buf.Format.SampleRate, true
}
