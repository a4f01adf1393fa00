package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Mic is a portaudio-backed Source reading mono float windows from the
// default input device.
type Mic struct {
	mu      sync.Mutex
	buf     []float32
	stream  *portaudio.Stream
	started bool
	opened  bool
}

// NewMic returns an unopened microphone source.
func NewMic() *Mic { return &Mic{} }

// Open acquires the default input device at the given rate.
func (m *Mic) Open(sampleRate, windowSamples int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	m.buf = make([]float32, windowSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), windowSamples, &m.buf)
	if err != nil {
		_ = portaudio.Terminate()
		if errors.Is(err, portaudio.DeviceUnavailable) {
			return fmt.Errorf("%w: %v", ErrMicPermission, err)
		}
		return fmt.Errorf("open input stream: %w", err)
	}
	m.stream = stream
	m.opened = true
	return nil
}

// Read blocks for the next window of samples.
func (m *Mic) Read() ([]float32, error) {
	m.mu.Lock()
	stream := m.stream
	started := m.started
	m.mu.Unlock()
	if stream == nil {
		return nil, fmt.Errorf("mic not opened")
	}
	if !started {
		if err := stream.Start(); err != nil {
			return nil, fmt.Errorf("start input stream: %w", err)
		}
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
	}
	if err := stream.Read(); err != nil {
		// Overflow only means we lost a window; hand back what we have.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, fmt.Errorf("read input stream: %w", err)
		}
	}
	out := make([]float32, len(m.buf))
	copy(out, m.buf)
	return out, nil
}

// Close releases the input device.
func (m *Mic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false
	err := m.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	m.stream = nil
	return err
}

// Speaker is a portaudio-backed Player writing mono int16 buffers to the
// default output device. The device opens lazily on the first Play.
type Speaker struct {
	rate int

	mu      sync.Mutex
	out     []int16
	stream  *portaudio.Stream
	started bool
	opened  bool
	closed  bool
}

// NewSpeaker returns a player for the given sample rate.
func NewSpeaker(rate int) *Speaker { return &Speaker{rate: rate} }

func (s *Speaker) open() error {
	if s.closed {
		return fmt.Errorf("speaker closed")
	}
	if s.opened {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	s.out = make([]int16, 1024)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.rate), len(s.out), &s.out)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open output stream: %w", err)
	}
	s.stream = stream
	s.opened = true
	return nil
}

// Play writes the whole buffer to the device, blocking until handed off.
// The final partial chunk is zero-padded so buffers never bleed into each
// other.
func (s *Speaker) Play(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	if !s.started {
		if err := s.stream.Start(); err != nil {
			return fmt.Errorf("start output stream: %w", err)
		}
		s.started = true
	}
	for off := 0; off < len(pcm); off += len(s.out) {
		end := off + len(s.out)
		if end <= len(pcm) {
			copy(s.out, pcm[off:end])
		} else {
			n := copy(s.out, pcm[off:])
			for i := n; i < len(s.out); i++ {
				s.out[i] = 0
			}
		}
		if err := s.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				continue
			}
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

// Close releases the output device. Terminal: a closed Speaker refuses to
// reopen, so a late Play cannot resurrect the device. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if !s.opened {
		return nil
	}
	s.opened = false
	err := s.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	s.stream = nil
	return err
}
