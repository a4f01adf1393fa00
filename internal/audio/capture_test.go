package audio

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	windows chan []float32
	opens   int32
	closes  int32
	openErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{windows: make(chan []float32, 16)}
}

func (f *fakeSource) Open(sampleRate, windowSamples int) error {
	atomic.AddInt32(&f.opens, 1)
	return f.openErr
}

func (f *fakeSource) Read() ([]float32, error) {
	w, ok := <-f.windows
	if !ok {
		return nil, io.EOF
	}
	return w, nil
}

func (f *fakeSource) Close() error {
	if atomic.AddInt32(&f.closes, 1) == 1 {
		close(f.windows)
	}
	return nil
}

func waitFrames(t *testing.T, frames *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(frames) >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected at least %d frames, got %d", want, atomic.LoadInt32(frames))
}

func TestCaptureGateDropsFrames(t *testing.T) {
	src := newFakeSource()
	var gate atomic.Bool
	c := NewCapture(src, CaptureConfig{
		DeviceRate: 16000,
		TargetRate: 16000,
		Window:     8,
		CanSend:    func() bool { return gate.Load() },
	})
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Dispose()

	var frames int32
	if err := c.Start(func([]byte) { atomic.AddInt32(&frames, 1) }); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Gate closed: produced frames must be dropped, not buffered.
	for i := 0; i < 3; i++ {
		src.windows <- make([]float32, 8)
	}
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt32(&frames); n != 0 {
		t.Fatalf("expected 0 forwarded frames while gated, got %d", n)
	}

	gate.Store(true)
	src.windows <- make([]float32, 8)
	waitFrames(t, &frames, 1)
	// The gated windows stay dropped; only the post-gate window arrives.
	if n := atomic.LoadInt32(&frames); n != 1 {
		t.Fatalf("expected exactly 1 frame after opening gate, got %d", n)
	}
}

func TestCaptureStopHaltsEmissionAndRestarts(t *testing.T) {
	src := newFakeSource()
	c := NewCapture(src, CaptureConfig{DeviceRate: 16000, TargetRate: 16000, Window: 4})
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Dispose()

	var frames int32
	if err := c.Start(func([]byte) { atomic.AddInt32(&frames, 1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.windows <- make([]float32, 4)
	waitFrames(t, &frames, 1)

	c.Stop()
	src.windows <- make([]float32, 4)
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt32(&frames); n != 1 {
		t.Fatalf("expected no frames after Stop, got %d", n)
	}
	// The device stream was preserved: restart needs no new Open.
	if err := c.Start(func([]byte) { atomic.AddInt32(&frames, 1) }); err != nil {
		t.Fatalf("restart: %v", err)
	}
	src.windows <- make([]float32, 4)
	waitFrames(t, &frames, 2)
	if n := atomic.LoadInt32(&src.opens); n != 1 {
		t.Fatalf("expected a single device open across restart, got %d", n)
	}
}

func TestCaptureResamplesToTargetRate(t *testing.T) {
	src := newFakeSource()
	c := NewCapture(src, CaptureConfig{DeviceRate: 32000, TargetRate: 16000, Window: 320})
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Dispose()

	got := make(chan []byte, 1)
	if err := c.Start(func(b []byte) { got <- b }); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.windows <- make([]float32, 320)
	select {
	case frame := <-got:
		if len(frame) != 160*2 {
			t.Fatalf("expected 160 samples (320 bytes) at 16kHz, got %d bytes", len(frame))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("no frame emitted")
	}
}

func TestCaptureDisposeReleasesDevice(t *testing.T) {
	src := newFakeSource()
	c := NewCapture(src, CaptureConfig{DeviceRate: 16000, TargetRate: 16000, Window: 4})
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.Start(func([]byte) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Dispose()
	c.Dispose() // idempotent
	if n := atomic.LoadInt32(&src.closes); n != 1 {
		t.Fatalf("expected exactly one device close, got %d", n)
	}
	if err := c.Start(func([]byte) {}); err == nil {
		t.Fatal("expected Start after Dispose to fail")
	}
}

func TestCaptureInitializePermissionError(t *testing.T) {
	src := newFakeSource()
	src.openErr = fmt.Errorf("%w: denied by OS", ErrMicPermission)
	c := NewCapture(src, CaptureConfig{})
	err := c.Initialize()
	if !errors.Is(err, ErrMicPermission) {
		t.Fatalf("expected ErrMicPermission, got %v", err)
	}
}

func TestCaptureLevelCallbackOncePerWindow(t *testing.T) {
	src := newFakeSource()
	var levels int32
	c := NewCapture(src, CaptureConfig{
		DeviceRate: 16000,
		TargetRate: 16000,
		Window:     1600,
		OnLevel:    func(float64) { atomic.AddInt32(&levels, 1) },
	})
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Dispose()
	if err := c.Start(func([]byte) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.windows <- make([]float32, 1600)
	src.windows <- make([]float32, 1600)
	waitFrames(t, &levels, 2)
	time.Sleep(30 * time.Millisecond)
	// No bursting: exactly one level reading per captured window.
	if n := atomic.LoadInt32(&levels); n != 2 {
		t.Fatalf("expected one level per window (2 total), got %d", n)
	}
}
