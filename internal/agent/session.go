package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marove/emcall/internal/audio"
	"github.com/marove/emcall/internal/voice"
)

// Config parameterizes one conversation session.
type Config struct {
	// Agent is the provisioning payload. Ignored when AgentID is set.
	Agent voice.AgentConfig
	// AgentID skips provisioning and connects to an existing agent.
	AgentID string

	Mode Mode

	// OnTranscript is invoked for every transcript line, in arrival order.
	OnTranscript func(TranscriptEntry)
	// OnState is invoked on every lifecycle transition.
	OnState func(State)
	// OnMicError is invoked when microphone setup fails; the session stays
	// up in a no-audio state.
	OnMicError func(error)
}

// Session wires capture, channel and playback into one conversation and
// supervises its lifecycle. One Session owns its microphone and output
// device exclusively; start a new Session only after ending the prior one.
type Session struct {
	id          string
	provisioner Provisioner
	channel     Channel
	capture     Capture
	playback    Playback
	cfg         Config

	mu         sync.Mutex
	state      State
	live       bool
	capturing  bool
	transcript []TranscriptEntry
	// startedAt is set on the first transcript event: evidence the
	// conversation is actually live, not merely connected.
	startedAt time.Time
	endedAt   time.Time
}

// NewSession builds an idle session over the given collaborators.
func NewSession(p Provisioner, ch Channel, cap Capture, pb Playback, cfg Config) *Session {
	return &Session{
		id:          uuid.NewString(),
		provisioner: p,
		channel:     ch,
		capture:     cap,
		playback:    pb,
		cfg:         cfg,
		state:       StateIdle,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start provisions the agent (unless an id was supplied), opens the channel
// and begins supervising events. It returns once the transport is open; the
// session turns Active when the server acknowledges initiation.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session already started (state %s)", s.state)
	}
	s.live = true
	s.mu.Unlock()

	agentID := s.cfg.AgentID
	if agentID == "" {
		s.setState(StateProvisioning)
		id, err := s.provisioner.CreateAgent(ctx, s.cfg.Agent)
		if err != nil {
			s.fail(fmt.Errorf("provision agent: %w", err))
			return err
		}
		agentID = id
	}

	s.setState(StateConnecting)
	if err := s.channel.Connect(ctx, agentID); err != nil {
		s.fail(fmt.Errorf("connect channel: %w", err))
		return err
	}

	go s.eventLoop()
	return nil
}

// Talk starts or stops outbound capture. In push-to-talk mode it follows the
// pressed state of the talk control; in continuous mode it toggles capture
// for the whole turn.
func (s *Session) Talk(on bool) {
	s.mu.Lock()
	if !s.live || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.capturing = on
	s.mu.Unlock()
	if on {
		if err := s.capture.Start(s.sendFrame); err != nil {
			log.Printf("session %s: start capture: %v", s.id, err)
		}
	} else {
		s.capture.Stop()
	}
}

// End tears the session down: capture stops, the channel closes with a
// normal closure, queued playback is dropped (an in-flight buffer may
// finish). Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.live = false
	s.state = StateEnded
	if !s.startedAt.IsZero() && s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()

	s.teardown()
	if s.cfg.OnState != nil {
		s.cfg.OnState(StateEnded)
	}
}

// Transcript returns a copy of the conversation log.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Duration reports how long the conversation has been live. Zero until the
// first transcript event arrives.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

func (s *Session) eventLoop() {
	for ev := range s.channel.Events() {
		switch e := ev.(type) {
		case voice.EventReady:
			s.onReady(e)
		case voice.EventAudioChunk:
			s.playback.Enqueue(e.Audio)
		case voice.EventUserTranscript:
			s.appendTranscript("user", e.Text)
		case voice.EventAgentTranscript:
			s.appendTranscript("agent", e.Text)
		case voice.EventInterruption:
			// The user spoke over the agent; what is queued belongs to the
			// abandoned turn.
			s.playback.Clear()
		case voice.EventPing:
			// Already answered by the channel.
		case voice.EventUnknown:
			log.Printf("session %s: unknown event type %q", s.id, e.Type)
		case voice.EventError:
			s.fail(fmt.Errorf("transport closed: code=%d reason=%s", e.Code, e.Reason))
			return
		}
	}
	// Remote closed normally; settle to Ended if the user has not already.
	s.End()
}

// onReady runs when the server acknowledges initiation. A session ended
// while the connect was still pending must not start capture or move past
// Ended.
func (s *Session) onReady(ev voice.EventReady) {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return
	}
	mode := s.cfg.Mode
	s.mu.Unlock()

	if want := s.cfg.Agent.OutputFormat; want != "" && ev.OutputFormat != "" && ev.OutputFormat != want {
		log.Printf("session %s: agent output format %s, provisioned %s; playback may decode incorrectly",
			s.id, ev.OutputFormat, want)
	}

	if err := s.capture.Initialize(); err != nil {
		if errors.Is(err, audio.ErrMicPermission) {
			// Recoverable no-audio state: the user can re-grant and talk.
			log.Printf("session %s: %v", s.id, err)
		} else {
			log.Printf("session %s: capture init: %v", s.id, err)
		}
		if s.cfg.OnMicError != nil {
			s.cfg.OnMicError(err)
		}
		s.setState(StateActive)
		return
	}

	s.setState(StateActive)
	if mode == ModeContinuous {
		s.Talk(true)
	}
}

func (s *Session) sendFrame(frame []byte) {
	if s.channel.State() != voice.StateConnected {
		return
	}
	if err := s.channel.Send(frame); err != nil {
		log.Printf("session %s: send frame: %v", s.id, err)
	}
}

func (s *Session) appendTranscript(role, text string) {
	if text == "" {
		return
	}
	entry := TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()}
	s.mu.Lock()
	if s.startedAt.IsZero() {
		s.startedAt = entry.Timestamp
	}
	s.transcript = append(s.transcript, entry)
	cb := s.cfg.OnTranscript
	s.mu.Unlock()
	if cb != nil {
		cb(entry)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if !s.live {
		// Already ended by the user; keep the Ended state.
		s.mu.Unlock()
		return
	}
	s.live = false
	s.state = StateFailed
	if !s.startedAt.IsZero() && s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()

	log.Printf("session %s: failed: %v", s.id, err)
	s.teardown()
	if s.cfg.OnState != nil {
		s.cfg.OnState(StateFailed)
	}
}

// teardown releases every session-owned resource so repeated start/stop
// cycles never leak OS audio handles.
func (s *Session) teardown() {
	s.capture.Stop()
	s.capture.Dispose()
	s.channel.Disconnect()
	s.playback.Clear()
	s.playback.Close()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}
