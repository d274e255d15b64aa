// Package vision asks an OpenAI-compatible multimodal model whether an image
// is a chart and, if so, for an approximate dataset and plotting code.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/config"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

const (
	DefaultAPIBase = "https://api.openai.com/v1"
	DefaultModel   = "gpt-5-mini"
)

var (
	// ErrMalformedOutput means the model answered but not with the expected JSON.
	ErrMalformedOutput = errors.New("malformed vision output")
	// ErrEmptyContent means the completion had no message content.
	ErrEmptyContent = errors.New("vision response has empty content")
)

// Image is one image to analyze.
type Image struct {
	Name string
	Data []byte
}

// Analysis is the model's judgement of one image.
type Analysis struct {
	IsGraph     bool
	GraphType   string
	Reason      string
	PythonCode  string
	Assumptions string
	Data        json.RawMessage
}

// APIError is a non-success response from the provider.
type APIError struct {
	StatusCode int
	Param      string
	Message    string
}

func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("vision API: HTTP %d (%s): %s", e.StatusCode, e.Param, e.Message)
	}
	return fmt.Sprintf("vision API: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client calls the chat completions endpoint.
type Client struct {
	apiBase      string
	apiKey       string
	model        string
	temperature  float64
	extraContext string
	retry        RetryConfig
	httpClient   *http.Client
	logger       *observability.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetryConfig overrides retry attempts and backoff.
func WithRetryConfig(r RetryConfig) Option {
	return func(c *Client) { c.retry = r }
}

// WithLogger sets the client logger.
func WithLogger(l *observability.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a client from configuration.
func NewClient(cfg config.VisionConfig, opts ...Option) *Client {
	c := &Client{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		extraContext: cfg.ExtraContext,
		retry:        DefaultRetryConfig(),
		logger:       observability.NopLogger(),
	}
	if c.apiBase == "" {
		c.apiBase = DefaultAPIBase
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if cfg.MaxAttempts > 0 {
		c.retry.MaxAttempts = cfg.MaxAttempts
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c.httpClient = &http.Client{Timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Messages       []chatMessage   `json:"messages"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// Analyze classifies one image. Transient failures are retried; a provider
// that rejects temperature or response_format gets the request again without
// that field.
func (c *Client) Analyze(ctx context.Context, img Image) (*Analysis, error) {
	req := c.buildRequest(img)
	log := c.logger.With().Str("image", img.Name).Logger()

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := c.complete(ctx, req)
		if err == nil {
			return ParseAnalysis(content)
		}
		lastErr = err

		var apiErr *APIError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &apiErr) && rejects(apiErr, "temperature"):
			req.Temperature = nil
		case errors.As(err, &apiErr) && rejects(apiErr, "response_format"):
			if req.ResponseFormat != nil {
				req.ResponseFormat = nil
				strict := chatMessage{Role: "system", Content: "Respond with strict JSON only."}
				req.Messages = append([]chatMessage{strict}, req.Messages...)
			}
		case errors.As(err, &apiErr) && shouldRetry(apiErr.StatusCode):
		case isTimeout(err):
		default:
			return nil, err
		}

		if attempt == c.retry.MaxAttempts {
			break
		}
		wait := c.retry.backoff(attempt)
		log.Warn().
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("Vision request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("vision request failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) buildRequest(img Image) *chatRequest {
	temp := c.temperature
	data := "data:" + MimeType(img.Name) + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	return &chatRequest{
		Model:          c.model,
		Temperature:    &temp,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userPrompt(c.extraContext)},
				{Type: "image_url", ImageURL: &imageURL{URL: data}},
			}},
		},
	}
}

// complete performs one HTTP round trip and returns the message content.
func (c *Client) complete(ctx context.Context, body *chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		if resp.StatusCode >= 400 {
			return "", &APIError{StatusCode: resp.StatusCode, Message: truncate(string(raw))}
		}
		return "", fmt.Errorf("%w: non-JSON response body", ErrMalformedOutput)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: truncate(string(raw))}
		if cr.Error != nil {
			apiErr.Param, apiErr.Message = cr.Error.Param, cr.Error.Message
		}
		return "", apiErr
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", ErrEmptyContent
	}
	return cr.Choices[0].Message.Content, nil
}

// rejects reports whether the provider refused the named request field.
func rejects(e *APIError, field string) bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	if e.Param == field {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, field) && strings.Contains(msg, "unsupported")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MimeType infers an image content type from the file extension.
func MimeType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Supported reports whether the image type can be sent for analysis.
func Supported(name string) bool {
	return MimeType(name) != "application/octet-stream"
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
