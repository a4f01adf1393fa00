package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marove/emcall/internal/audio"
	"github.com/marove/emcall/internal/voice"
)

type fakeChannel struct {
	mu          sync.Mutex
	state       voice.ConnectionState
	connectErr  error
	sent        [][]byte
	disconnects int

	events    chan voice.ChannelEvent
	keepOpen  bool // leave the events channel open across Disconnect
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan voice.ChannelEvent, 16)}
}

func (f *fakeChannel) Connect(ctx context.Context, agentID string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.state = voice.StateConnected
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != voice.StateConnected {
		return fmt.Errorf("not connected")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.state = voice.StateDisconnected
	f.disconnects++
	f.mu.Unlock()
	if !f.keepOpen {
		f.closeOnce.Do(func() { close(f.events) })
	}
}

func (f *fakeChannel) Events() <-chan voice.ChannelEvent { return f.events }

func (f *fakeChannel) State() voice.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(st voice.ConnectionState) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeCapture struct {
	mu      sync.Mutex
	initErr error
	inits   int
	starts  int
	stops   int
	dispose int
	onFrame func([]byte)
}

func (f *fakeCapture) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeCapture) Start(onFrame func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.onFrame = onFrame
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapture) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispose++
}

func (f *fakeCapture) counts() (inits, starts, stops, dispose int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.starts, f.stops, f.dispose
}

type fakePlayback struct {
	mu       sync.Mutex
	enqueued [][]byte
	clears   int
	closes   int
}

func (f *fakePlayback) Enqueue(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, p)
}

func (f *fakePlayback) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakePlayback) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakePlayback) counts() (enqueued, clears, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued), f.clears, f.closes
}

type fakeProvisioner struct {
	mu    sync.Mutex
	id    string
	err   error
	calls int
}

func (f *fakeProvisioner) CreateAgent(ctx context.Context, cfg voice.AgentConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.id, f.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionLifecycleContinuous(t *testing.T) {
	prov := &fakeProvisioner{id: "agent_1"}
	ch := newFakeChannel()
	cap := &fakeCapture{}
	pb := &fakePlayback{}

	var stMu sync.Mutex
	var states []State
	var lines []TranscriptEntry
	s := NewSession(prov, ch, cap, pb, Config{
		Mode: ModeContinuous,
		OnState: func(st State) {
			stMu.Lock()
			states = append(states, st)
			stMu.Unlock()
		},
		OnTranscript: func(e TranscriptEntry) {
			stMu.Lock()
			lines = append(lines, e)
			stMu.Unlock()
		},
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if prov.calls != 1 {
		t.Fatalf("expected one provisioning call, got %d", prov.calls)
	}

	ch.events <- voice.EventReady{ConversationID: "conv_1", OutputFormat: "pcm_16000"}
	waitFor(t, "active state", func() bool { return s.State() == StateActive })

	// Continuous mode begins capture on its own.
	waitFor(t, "capture start", func() bool {
		_, starts, _, _ := cap.counts()
		return starts == 1
	})

	ch.events <- voice.EventAudioChunk{Audio: []byte{1, 2}}
	waitFor(t, "enqueued audio", func() bool {
		enq, _, _ := pb.counts()
		return enq == 1
	})

	ch.events <- voice.EventUserTranscript{Text: "help, there is a fire"}
	ch.events <- voice.EventAgentTranscript{Text: "units are on the way"}
	waitFor(t, "transcript lines", func() bool { return len(s.Transcript()) == 2 })
	tr := s.Transcript()
	if tr[0].Role != "user" || tr[1].Role != "agent" {
		t.Fatalf("transcript roles wrong: %+v", tr)
	}
	stMu.Lock()
	callbackLines := len(lines)
	stMu.Unlock()
	if callbackLines != 2 {
		t.Fatalf("expected 2 transcript callbacks, got %d", callbackLines)
	}
	if s.Duration() <= 0 {
		t.Fatal("duration should run once the first transcript arrives")
	}

	// Barge-in drops what is queued but does not kill the session.
	ch.events <- voice.EventInterruption{EventID: 3}
	waitFor(t, "playback clear", func() bool {
		_, clears, _ := pb.counts()
		return clears == 1
	})
	if s.State() != StateActive {
		t.Fatalf("interruption must not end the session, state=%s", s.State())
	}

	s.End()
	if s.State() != StateEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}
	_, _, stops, dispose := cap.counts()
	if stops == 0 || dispose != 1 {
		t.Fatalf("capture not released: stops=%d dispose=%d", stops, dispose)
	}
	_, _, closes := pb.counts()
	if ch.disconnectCount() == 0 || closes != 1 {
		t.Fatalf("channel/playback not released: disconnects=%d closes=%d", ch.disconnectCount(), closes)
	}

	stMu.Lock()
	got := append([]State(nil), states...)
	stMu.Unlock()
	want := []State{StateProvisioning, StateConnecting, StateActive, StateEnded}
	if len(got) != len(want) {
		t.Fatalf("state transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state transitions = %v, want %v", got, want)
		}
	}
}

func TestSessionEndedBeforeServerAck(t *testing.T) {
	ch := newFakeChannel()
	ch.keepOpen = true
	cap := &fakeCapture{}
	pb := &fakePlayback{}
	s := NewSession(&fakeProvisioner{}, ch, cap, pb, Config{AgentID: "agent_1", Mode: ModeContinuous})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.End()

	// The ack arrives after the user already hung up: no device may be
	// touched and the state must stay Ended.
	ch.events <- voice.EventReady{}
	time.Sleep(50 * time.Millisecond)
	inits, starts, _, _ := cap.counts()
	if inits != 0 || starts != 0 {
		t.Fatalf("capture touched after end: inits=%d starts=%d", inits, starts)
	}
	if s.State() != StateEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}
	close(ch.events)
}

func TestSessionMicPermissionDenied(t *testing.T) {
	ch := newFakeChannel()
	cap := &fakeCapture{initErr: fmt.Errorf("open stream: %w", audio.ErrMicPermission)}
	pb := &fakePlayback{}

	micErr := make(chan error, 1)
	s := NewSession(&fakeProvisioner{}, ch, cap, pb, Config{
		AgentID:    "agent_1",
		Mode:       ModeContinuous,
		OnMicError: func(err error) { micErr <- err },
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.events <- voice.EventReady{}

	select {
	case err := <-micErr:
		if !errors.Is(err, audio.ErrMicPermission) {
			t.Fatalf("expected mic permission error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mic error callback never fired")
	}
	// The session stays up listen-only.
	waitFor(t, "active state", func() bool { return s.State() == StateActive })
	_, starts, _, _ := cap.counts()
	if starts != 0 {
		t.Fatal("capture must not start after a failed initialize")
	}
	s.End()
}

func TestSessionTransportFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.keepOpen = true
	cap := &fakeCapture{}
	pb := &fakePlayback{}
	states := make(chan State, 8)
	s := NewSession(&fakeProvisioner{}, ch, cap, pb, Config{
		AgentID: "agent_1",
		OnState: func(st State) { states <- st },
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.events <- voice.EventReady{}
	ch.events <- voice.EventError{Code: 1011, Reason: "boom"}

	waitFor(t, "failed state", func() bool { return s.State() == StateFailed })
	waitFor(t, "channel teardown", func() bool { return ch.disconnectCount() > 0 })
	waitFor(t, "playback close", func() bool {
		_, _, closes := pb.counts()
		return closes == 1
	})

	// End after failure keeps the Failed state.
	s.End()
	if s.State() != StateFailed {
		t.Fatalf("end after failure changed state to %s", s.State())
	}
	close(ch.events)
}

func TestSessionProvisioningFailure(t *testing.T) {
	prov := &fakeProvisioner{err: fmt.Errorf("quota exceeded")}
	ch := newFakeChannel()
	s := NewSession(prov, ch, &fakeCapture{}, &fakePlayback{}, Config{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail when provisioning fails")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
}

func TestSessionPushToTalk(t *testing.T) {
	ch := newFakeChannel()
	cap := &fakeCapture{}
	s := NewSession(&fakeProvisioner{}, ch, cap, &fakePlayback{}, Config{
		AgentID: "agent_1",
		Mode:    ModePushToTalk,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.events <- voice.EventReady{}
	waitFor(t, "active state", func() bool { return s.State() == StateActive })

	_, starts, _, _ := cap.counts()
	if starts != 0 {
		t.Fatal("push-to-talk must not start capture on its own")
	}
	s.Talk(true)
	_, starts, _, _ = cap.counts()
	if starts != 1 {
		t.Fatalf("expected capture started, starts=%d", starts)
	}

	// Frames flow only while the channel is connected.
	cap.mu.Lock()
	onFrame := cap.onFrame
	cap.mu.Unlock()
	onFrame([]byte{1, 2})
	if ch.sentCount() != 1 {
		t.Fatalf("expected one frame sent, got %d", ch.sentCount())
	}
	ch.setState(voice.StateDisconnected)
	onFrame([]byte{3, 4})
	if ch.sentCount() != 1 {
		t.Fatal("frame must be dropped while disconnected")
	}
	ch.setState(voice.StateConnected)

	s.Talk(false)
	_, _, stops, _ := cap.counts()
	if stops != 1 {
		t.Fatalf("expected capture stopped, stops=%d", stops)
	}
	s.End()
}

func TestSessionStartTwice(t *testing.T) {
	ch := newFakeChannel()
	s := NewSession(&fakeProvisioner{}, ch, &fakeCapture{}, &fakePlayback{}, Config{AgentID: "agent_1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
	s.End()
}
