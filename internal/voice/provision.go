package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIURL is the REST surface of the voice agent service.
const DefaultAPIURL = "https://api.elevenlabs.io"

// AgentConfig is the one-shot provisioning payload for a conversation: the
// prompt, opening utterance and audio/turn settings the remote agent should
// use.
type AgentConfig struct {
	Name         string
	Prompt       string
	FirstMessage string
	Language     string // "en" if empty

	// InputFormat / OutputFormat are wire audio formats, e.g. "pcm_16000".
	InputFormat  string
	OutputFormat string

	// TurnTimeout is how long the agent waits on user silence before taking
	// the turn, in seconds. Service default when zero.
	TurnTimeout float64
}

// Provisioner creates a remote agent and returns its identifier. The call
// must complete before the conversation channel opens.
type Provisioner struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

// NewProvisioner builds a provisioning client against the default endpoint.
func NewProvisioner(apiKey string) *Provisioner {
	return &Provisioner{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    DefaultAPIURL,
		APIKey:     apiKey,
	}
}

type provisionAgentSection struct {
	FirstMessage string         `json:"first_message,omitempty"`
	Language     string         `json:"language,omitempty"`
	Prompt       map[string]any `json:"prompt,omitempty"`
}

type provisionRequest struct {
	Name               string         `json:"name,omitempty"`
	ConversationConfig map[string]any `json:"conversation_config"`
}

type provisionResponse struct {
	AgentID string `json:"agent_id"`
}

// CreateAgent provisions an agent and returns its identifier.
func (p *Provisioner) CreateAgent(ctx context.Context, cfg AgentConfig) (string, error) {
	if p.APIKey == "" {
		return "", fmt.Errorf("provision: api key missing")
	}
	lang := cfg.Language
	if lang == "" {
		lang = "en"
	}
	conv := map[string]any{
		"agent": provisionAgentSection{
			FirstMessage: cfg.FirstMessage,
			Language:     lang,
			Prompt:       map[string]any{"prompt": cfg.Prompt},
		},
	}
	audio := map[string]any{}
	if cfg.InputFormat != "" {
		audio["user_input_audio_format"] = cfg.InputFormat
	}
	if cfg.OutputFormat != "" {
		audio["agent_output_audio_format"] = cfg.OutputFormat
	}
	if len(audio) > 0 {
		conv["tts"] = audio
	}
	if cfg.TurnTimeout > 0 {
		conv["turn"] = map[string]any{"turn_timeout": cfg.TurnTimeout}
	}

	body, _ := json.Marshal(provisionRequest{Name: cfg.Name, ConversationConfig: conv})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/v1/convai/agents/create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provision: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("provision: status=%d body=%s", resp.StatusCode, string(b))
	}
	var pr provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("provision: decode response: %w", err)
	}
	if pr.AgentID == "" {
		return "", fmt.Errorf("provision: empty agent id")
	}
	return pr.AgentID, nil
}
