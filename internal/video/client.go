package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is an application-level failure embedded in an HTTP 200 body.
// A success HTTP status with a non-success code is still a failure.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("video api: code=%s msg=%s", e.Code, e.Message)
}

// ErrPollTimeout reports that the polling budget ran out before the video
// became ready. Distinct from an explicit upstream failure.
var ErrPollTimeout = errors.New("video: timed out waiting for processing")

// codeOK is the application-level success code.
const codeOK = "0000"

// processingCodes are the documented "still processing" application codes.
var processingCodes = map[string]struct{}{
	"0300": {},
	"0301": {},
}

// IsStillProcessing reports whether err is the transient not-ready condition
// of a video under analysis, as opposed to a permanent failure. Documented
// codes are authoritative; the message vocabulary is the fallback for
// deployments that return a generic code.
func IsStillProcessing(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	if _, ok := processingCodes[ae.Code]; ok {
		return true
	}
	msg := strings.ToLower(ae.Message)
	return strings.Contains(msg, "processing") ||
		strings.Contains(msg, "parsing") ||
		strings.Contains(msg, "unparse")
}

// Segment is one transcription span.
type Segment struct {
	Index     int     `json:"index"`
	Content   string  `json:"content"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
}

// UploadMeta is the optional form metadata attached to an upload.
type UploadMeta struct {
	Title       string
	Description string
	Tags        []string
}

// UploadResult identifies the uploaded video and its initial status.
type UploadResult struct {
	VideoNo     string `json:"videoNo"`
	VideoStatus string `json:"videoStatus"`
}

// Client talks to the video upload/analysis service.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string

	// Polling budget: fixed-interval attempts, then ErrPollTimeout.
	PollInterval time.Duration
	PollAttempts int
}

// NewClient builds a client with the default polling budget.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		HTTPClient:   &http.Client{Timeout: 5 * time.Minute},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		PollInterval: 5 * time.Second,
		PollAttempts: 60,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// decodeEnvelope maps the application-level status code before looking at
// the payload.
func decodeEnvelope(body io.Reader, out any) error {
	var env envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return fmt.Errorf("video api: decode response: %w", err)
	}
	if env.Code != codeOK {
		return &APIError{Code: env.Code, Message: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("video api: decode data: %w", err)
	}
	return nil
}

// progressReader reports byte-level loaded/total as the upload body drains.
type progressReader struct {
	r        io.Reader
	loaded   int64
	total    int64
	progress func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.progress != nil {
			p.progress(p.loaded, p.total)
		}
	}
	return n, err
}

// Upload sends the video as a multipart form. size is the file length used
// for progress reporting; progress may be nil.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, size int64, meta UploadMeta, progress func(loaded, total int64)) (UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, &progressReader{r: r, total: size, progress: progress}); err != nil {
				return err
			}
			if meta.Title != "" {
				if err := mw.WriteField("title", meta.Title); err != nil {
					return err
				}
			}
			if meta.Description != "" {
				if err := mw.WriteField("description", meta.Description); err != nil {
					return err
				}
			}
			for _, tag := range meta.Tags {
				if err := mw.WriteField("tags", tag); err != nil {
					return err
				}
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/video/upload", pr)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.auth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("video upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return UploadResult{}, fmt.Errorf("video upload: status=%d body=%s", resp.StatusCode, string(b))
	}
	var out UploadResult
	if err := decodeEnvelope(resp.Body, &out); err != nil {
		return UploadResult{}, err
	}
	if out.VideoNo == "" {
		return UploadResult{}, fmt.Errorf("video upload: empty video identifier")
	}
	return out, nil
}

// Status fetches the processing status of a video. While the video is still
// being analyzed the service answers with the "still processing" application
// error class.
func (c *Client) Status(ctx context.Context, videoNo string) (string, error) {
	var out struct {
		VideoStatus string `json:"videoStatus"`
	}
	if err := c.get(ctx, "/api/video/detail", videoNo, &out); err != nil {
		return "", err
	}
	return out.VideoStatus, nil
}

// Transcription fetches the ordered transcription segments of a parsed
// video.
func (c *Client) Transcription(ctx context.Context, videoNo string) ([]Segment, error) {
	var out []Segment
	if err := c.get(ctx, "/api/video/transcription", videoNo, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AwaitTranscription polls the status endpoint at a fixed interval until the
// video is ready, then fetches the transcription exactly once. The attempt
// budget is bounded; exhausting it yields ErrPollTimeout.
func (c *Client) AwaitTranscription(ctx context.Context, videoNo string) ([]Segment, error) {
	for attempt := 0; attempt < c.PollAttempts; attempt++ {
		_, err := c.Status(ctx, videoNo)
		if err == nil {
			return c.Transcription(ctx, videoNo)
		}
		if !IsStillProcessing(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
	return nil, ErrPollTimeout
}

func (c *Client) get(ctx context.Context, path, videoNo string, out any) error {
	u := c.BaseURL + path + "?videoNo=" + url.QueryEscape(videoNo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("video api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("video api: status=%d body=%s", resp.StatusCode, string(b))
	}
	return decodeEnvelope(resp.Body, out)
}

func (c *Client) auth(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
