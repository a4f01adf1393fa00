package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// Event is one incremental analysis event from the report stream.
type Event interface {
	isReportEvent()
}

// Thinking is a transient progress signal while the service reasons about
// the video. Not part of the report text.
type Thinking struct {
	Title string
}

// Reference points at the video material backing a report statement.
type Reference struct {
	VideoNo string   `json:"videoNo"`
	Items   []string `json:"items"`
}

// References is a transient citation signal. Not part of the report text.
type References struct {
	Items []Reference
}

// ContentChunk is an append-only piece of the report body.
type ContentChunk struct {
	Text string
}

func (Thinking) isReportEvent()     {}
func (References) isReportEvent()   {}
func (ContentChunk) isReportEvent() {}

// StreamError is a transport failure mid-stream. Partial tells the caller
// whether any content was produced before the failure; partial content is
// retained, not discarded.
type StreamError struct {
	Partial bool
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial {
		return fmt.Sprintf("report stream failed after partial content: %v", e.Err)
	}
	return fmt.Sprintf("report stream failed before any content: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Request describes one report generation turn.
type Request struct {
	VideoNos  []string `json:"videoNos"`
	Prompt    string   `json:"prompt"`
	SessionID string   `json:"sessionId,omitempty"`
}

// Client streams analysis reports from the video-understanding service.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

// NewClient builds a report client. The HTTP client carries no timeout:
// report generation is long-lived and bounded by ctx.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
	}
}

// streamLine is the wire shape of one newline-delimited event.
type streamLine struct {
	Type       string      `json:"type"`
	Title      string      `json:"title,omitempty"`
	Content    string      `json:"content,omitempty"`
	References []Reference `json:"references,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
}

// Generate opens the streaming request and hands each event to sink as it is
// parsed, never buffering the whole response. It returns the session
// identifier for follow-up turns. The stream is finite and not restartable.
func (c *Client) Generate(ctx context.Context, req Request, sink func(Event)) (string, error) {
	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/video/report", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", &StreamError{Partial: false, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", &StreamError{Partial: false, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))}
	}

	var sessionID string
	produced := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Tolerate SSE-style framing from proxies.
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("report: skipping unparseable line: %v", err)
			continue
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		switch ev.Type {
		case "thinking":
			sink(Thinking{Title: ev.Title})
		case "reference":
			sink(References{Items: ev.References})
		case "content":
			produced = true
			sink(ContentChunk{Text: ev.Content})
		case "done", "":
			// Completion marker carries only the session id.
		default:
			log.Printf("report: unknown event type %q", ev.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return sessionID, &StreamError{Partial: produced, Err: err}
	}
	return sessionID, nil
}

// Report assembles stream events into the displayable report. Content chunks
// append; thinking and reference events update transient state only.
type Report struct {
	text     strings.Builder
	thinking string
	refs     []Reference
}

// Apply folds one event into the report.
func (r *Report) Apply(ev Event) {
	switch e := ev.(type) {
	case Thinking:
		r.thinking = e.Title
	case References:
		r.refs = append(r.refs, e.Items...)
	case ContentChunk:
		r.text.WriteString(e.Text)
	}
}

// Text returns the report body accumulated so far.
func (r *Report) Text() string { return r.text.String() }

// Thinking returns the latest transient progress title.
func (r *Report) Thinking() string { return r.thinking }

// References returns the citations collected so far.
func (r *Report) References() []Reference { return r.refs }
