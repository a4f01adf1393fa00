package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState tracks the channel lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// DefaultConversationURL is the streaming endpoint of the voice agent
// service.
const DefaultConversationURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// ChannelConfig parameterizes a voice channel.
type ChannelConfig struct {
	// BaseURL of the conversation websocket endpoint. Defaults to
	// DefaultConversationURL. Tests point this at a local mock server.
	BaseURL string
	APIKey  string

	DialTimeout time.Duration // handshake timeout; 10s if zero
}

// Channel owns a single persistent streaming connection to the
// conversational agent and multiplexes outbound audio frames with inbound
// control, audio and transcript events. One Channel serves one connection;
// reconnecting means building a fresh Channel.
type Channel struct {
	cfg ChannelConfig

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	state   ConnectionState
	stopCh  chan struct{}
	stopped bool
	dialed  bool

	events    chan ChannelEvent
	closeOnce sync.Once
}

// NewChannel builds a disconnected channel. Events are delivered on a
// per-instance channel, in transport arrival order.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConversationURL
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		state:  StateDisconnected,
		stopCh: make(chan struct{}),
		events: make(chan ChannelEvent, 64),
	}
}

// Events returns the subscriber channel. It is closed when the connection
// ends for any reason.
func (c *Channel) Events() <-chan ChannelEvent { return c.events }

// closeEvents is the single close point for the subscriber channel. Several
// shutdown paths can race toward it; only the first one closes.
func (c *Channel) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the streaming transport for the given agent and sends the
// session-initiation handshake. The state advances to Connected only once
// the server acknowledges initiation, never on transport open alone; sending
// audio before that point would be rejected by the remote service.
func (c *Channel) Connect(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if c.dialed {
		c.mu.Unlock()
		return fmt.Errorf("voice: channel already used; build a new one to reconnect")
	}
	c.dialed = true
	c.state = StateConnecting
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		c.fail(0, "bad endpoint")
		return fmt.Errorf("voice: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	headers := map[string][]string{}
	if c.cfg.APIKey != "" {
		headers["xi-api-key"] = []string{c.cfg.APIKey}
		keyPreview := c.cfg.APIKey
		if len(keyPreview) > 8 {
			keyPreview = keyPreview[:8]
		}
		log.Printf("voice: connecting agent=%s key=%s...", agentID, keyPreview)
	} else {
		log.Printf("voice: connecting agent=%s (no api key)", agentID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			log.Printf("voice: dial failed with status %d", resp.StatusCode)
		}
		c.fail(0, "dial failed")
		return fmt.Errorf("voice: dial: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		// Disconnect raced the dial; drop the fresh connection.
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("voice: disconnected during connect")
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeJSON(map[string]any{"type": "conversation_initiation_client_data"}); err != nil {
		c.Disconnect()
		// No read loop was started for this connection.
		c.closeEvents()
		return fmt.Errorf("voice: initiation handshake: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

// Send transmits one outbound audio frame as a base64 envelope. Valid only
// while Connected.
func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("voice: send while %s", state)
	}
	return c.writeJSON(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
	})
}

// Disconnect closes the transport with a normal-closure code and settles the
// state to Disconnected. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	} else {
		// Never connected; nobody else will close the subscriber channel.
		c.closeEvents()
	}
}

func (c *Channel) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("voice: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// fail marks the channel terminally failed and tells subscribers.
func (c *Channel) fail(code int, reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	conn := c.conn
	c.conn = nil
	c.state = StateError
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	// Best effort: a subscriber that stopped draining must not wedge the
	// read loop on a full buffer.
	select {
	case c.events <- EventError{Code: code, Reason: reason}:
	default:
		log.Printf("voice: subscriber not draining, dropping error event code=%d", code)
	}
	c.closeEvents()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.closeEvents()
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				// Local disconnect already settled the state.
				return
			default:
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					c.mu.Lock()
					// Disconnect may have won between the stopCh check above
					// and this lock; stopCh and the state are then settled.
					if !c.stopped {
						c.stopped = true
						close(c.stopCh)
						c.state = StateDisconnected
					}
					c.conn = nil
					c.mu.Unlock()
					_ = conn.Close()
					return
				}
				c.fail(ce.Code, ce.Text)
				return
			}
			c.fail(0, err.Error())
			return
		}
		c.dispatch(mt, msg)
	}
}

// inboundEnvelope mirrors the service's JSON message envelope. Every event
// type carries its payload under a same-named sub-object.
type inboundEnvelope struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID string `json:"conversation_id"`
		OutputFormat   string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`

	InterruptionEvent *struct {
		EventID int `json:"event_id"`
	} `json:"interruption_event"`
}

func (c *Channel) dispatch(mt int, msg []byte) {
	// Negotiated binary mode delivers audio as opaque frames.
	if mt == websocket.BinaryMessage {
		c.emit(EventAudioChunk{Audio: msg})
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		// Malformed inbound messages are skipped, not fatal.
		log.Printf("voice: unparseable message: %v", err)
		return
	}

	switch env.Type {
	case "conversation_initiation_metadata":
		var id, format string
		if env.InitiationMetadata != nil {
			id = env.InitiationMetadata.ConversationID
			format = env.InitiationMetadata.OutputFormat
		}
		c.mu.Lock()
		c.state = StateConnected
		c.mu.Unlock()
		log.Printf("voice: session ready conversation=%s format=%s", id, format)
		c.emit(EventReady{ConversationID: id, OutputFormat: format})
	case "audio":
		if env.AudioEvent == nil {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(env.AudioEvent.AudioBase64)
		if err != nil {
			log.Printf("voice: bad audio payload: %v", err)
			return
		}
		c.emit(EventAudioChunk{Audio: raw})
	case "user_transcript":
		if env.UserTranscription == nil {
			return
		}
		c.emit(EventUserTranscript{Text: env.UserTranscription.UserTranscript})
	case "agent_response":
		if env.AgentResponse == nil {
			return
		}
		c.emit(EventAgentTranscript{Text: env.AgentResponse.AgentResponse})
	case "ping":
		id := 0
		if env.PingEvent != nil {
			id = env.PingEvent.EventID
		}
		// Reply before touching any later queued message; a late pong makes
		// the remote side drop the connection.
		if err := c.writeJSON(map[string]any{"type": "pong", "event_id": id}); err != nil {
			log.Printf("voice: pong: %v", err)
		}
		c.emit(EventPing{EventID: id})
	case "interruption":
		id := 0
		if env.InterruptionEvent != nil {
			id = env.InterruptionEvent.EventID
		}
		c.emit(EventInterruption{EventID: id})
	default:
		c.emit(EventUnknown{Type: env.Type, Raw: json.RawMessage(msg)})
	}
}

// emit delivers in arrival order; the buffered channel plus blocking send
// means a slow subscriber backpressures the read loop instead of reordering
// or dropping events.
func (c *Channel) emit(ev ChannelEvent) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}
