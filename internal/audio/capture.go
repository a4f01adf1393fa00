package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrMicPermission indicates the OS refused microphone access. Callers
// surface it to the user; it is never retried automatically.
var ErrMicPermission = errors.New("microphone permission denied")

// Source abstracts the capture device. Open acquires the device at the given
// rate, Read blocks for the next window of float samples in [-1, 1], Close
// releases the device.
type Source interface {
	Open(sampleRate, windowSamples int) error
	Read() ([]float32, error)
	Close() error
}

// CaptureConfig tunes the capture worker.
type CaptureConfig struct {
	DeviceRate int // native device sample rate; 48000 if zero
	TargetRate int // outbound frame rate; 16000 if zero
	Window     int // samples per processing window at the device rate; 4096 if zero

	// CanSend gates frame emission. Frames produced while it returns false
	// are dropped, not buffered, so a not-yet-connected channel never causes
	// unbounded growth. Nil means always send.
	CanSend func() bool

	// OnLevel receives one normalized 0..1 amplitude per captured window.
	// Advisory only.
	OnLevel func(level float64)
}

// Capture acquires the microphone and emits fixed-size 16-bit PCM frames at
// the target rate. Stop halts emission but keeps the device open for a quick
// restart (push-to-talk); Dispose releases everything.
type Capture struct {
	cfg CaptureConfig
	src Source

	mu       sync.Mutex
	onFrame  func(frame []byte)
	emitting bool
	running  bool
	disposed bool
	stopCh   chan struct{}
}

// NewCapture wires a capture worker over the given device source.
func NewCapture(src Source, cfg CaptureConfig) *Capture {
	if cfg.DeviceRate == 0 {
		cfg.DeviceRate = 48000
	}
	if cfg.TargetRate == 0 {
		cfg.TargetRate = 16000
	}
	if cfg.Window == 0 {
		cfg.Window = 4096
	}
	return &Capture{cfg: cfg, src: src}
}

// Initialize acquires the microphone. Permission denial is reported as
// ErrMicPermission so the caller can keep the session alive in a "no audio"
// state.
func (c *Capture) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return fmt.Errorf("capture disposed")
	}
	if err := c.src.Open(c.cfg.DeviceRate, c.cfg.Window); err != nil {
		if errors.Is(err, ErrMicPermission) {
			return err
		}
		return fmt.Errorf("open capture device: %w", err)
	}
	return nil
}

// Start begins emitting frames to onFrame. Safe to call again after Stop.
func (c *Capture) Start(onFrame func(frame []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return fmt.Errorf("capture disposed")
	}
	c.onFrame = onFrame
	c.emitting = true
	if !c.running {
		c.running = true
		c.stopCh = make(chan struct{})
		go c.loop(c.stopCh)
	}
	return nil
}

// Stop halts frame emission. The device stream stays open so the next Start
// is immediate.
func (c *Capture) Stop() {
	c.mu.Lock()
	c.emitting = false
	c.mu.Unlock()
}

// Dispose releases the device and the processing loop unconditionally.
// Idempotent.
func (c *Capture) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.emitting = false
	if c.running {
		close(c.stopCh)
		c.running = false
	}
	c.mu.Unlock()
	if err := c.src.Close(); err != nil {
		log.Printf("capture: close device: %v", err)
	}
}

func (c *Capture) loop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		window, err := c.src.Read()
		if err != nil {
			select {
			case <-stopCh:
			default:
				log.Printf("capture: read device: %v", err)
			}
			return
		}
		pcm := FloatToPCM16(window)
		if c.cfg.OnLevel != nil && len(pcm) > 0 {
			// One level per window; the window duration sets the meter cadence.
			c.cfg.OnLevel(LevelOf(pcm))
		}

		c.mu.Lock()
		emit := c.emitting
		onFrame := c.onFrame
		c.mu.Unlock()
		if !emit || onFrame == nil {
			continue
		}
		if c.cfg.CanSend != nil && !c.cfg.CanSend() {
			continue
		}
		frame := pcm
		if c.cfg.DeviceRate != c.cfg.TargetRate {
			frame = Resample(pcm, c.cfg.DeviceRate, c.cfg.TargetRate)
		}
		onFrame(PCM16Bytes(frame))
	}
}
