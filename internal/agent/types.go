package agent

import (
	"context"
	"time"

	"github.com/marove/emcall/internal/voice"
)

// Channel is the minimal surface of the voice connection the session needs.
type Channel interface {
	Connect(ctx context.Context, agentID string) error
	Send(frame []byte) error
	Disconnect()
	Events() <-chan voice.ChannelEvent
	State() voice.ConnectionState
}

// Capture is the microphone worker. Stop keeps the device for a quick
// restart; Dispose releases it.
type Capture interface {
	Initialize() error
	Start(onFrame func(frame []byte)) error
	Stop()
	Dispose()
}

// Playback consumes inbound agent audio payloads.
type Playback interface {
	Enqueue(payload []byte)
	Clear()
	Close()
}

// Provisioner performs the one-shot agent setup call that precedes opening
// the channel.
type Provisioner interface {
	CreateAgent(ctx context.Context, cfg voice.AgentConfig) (string, error)
}

// Mode selects the interaction style for outbound audio.
type Mode int

const (
	// ModeContinuous streams microphone audio for the whole conversation.
	ModeContinuous Mode = iota
	// ModePushToTalk streams only while the talk control is held.
	ModePushToTalk
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateProvisioning
	StateConnecting
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// TranscriptEntry is one line of the conversation log.
type TranscriptEntry struct {
	Role      string // "user" or "agent"
	Text      string
	Timestamp time.Time
}
