package voice

import "encoding/json"

// ChannelEvent is one inbound message on the voice connection. Exactly one
// concrete type per event; delivery order matches transport arrival order.
type ChannelEvent interface {
	isChannelEvent()
}

// EventReady signals the server acknowledged session initiation. Audio may
// be sent from this point on.
type EventReady struct {
	ConversationID string
	// OutputFormat is the negotiated agent audio format, e.g. "pcm_16000".
	OutputFormat string
}

// EventAudioChunk carries one decoded agent audio payload.
type EventAudioChunk struct {
	Audio []byte
}

// EventUserTranscript is the server's transcription of user speech.
type EventUserTranscript struct {
	Text string
}

// EventAgentTranscript is the text of what the agent is saying.
type EventAgentTranscript struct {
	Text string
}

// EventInterruption signals the user started speaking over the agent.
// Audio that arrives after it belongs to a fresh turn.
type EventInterruption struct {
	EventID int
}

// EventPing is a keep-alive probe. The channel has already answered it by
// the time subscribers see this event.
type EventPing struct {
	EventID int
}

// EventError is a terminal transport failure (abnormal close). No implicit
// reconnect follows.
type EventError struct {
	Code   int
	Reason string
}

// EventUnknown preserves messages with an unrecognized discriminant.
// Forward-compatible; never fatal.
type EventUnknown struct {
	Type string
	Raw  json.RawMessage
}

func (EventReady) isChannelEvent()           {}
func (EventAudioChunk) isChannelEvent()      {}
func (EventUserTranscript) isChannelEvent()  {}
func (EventAgentTranscript) isChannelEvent() {}
func (EventInterruption) isChannelEvent()    {}
func (EventPing) isChannelEvent()            {}
func (EventError) isChannelEvent()           {}
func (EventUnknown) isChannelEvent()         {}
