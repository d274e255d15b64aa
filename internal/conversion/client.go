// Package conversion talks to the Datalab Marker document conversion API.
//
// A conversion is asynchronous on the service side: Submit uploads the document
// and returns a Handle, and Poll reports whether the request has finished.
package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/config"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// DefaultEndpoint is the hosted Marker endpoint.
const DefaultEndpoint = "https://www.datalab.to/api/v1/marker"

// structuredKeys are the response fields that may carry page_schema output.
var structuredKeys = []string{"json", "structured_output", "structured_data", "extractions", "extracted"}

// Document is the raw input to convert.
type Document struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Options controls a single conversion request.
type Options struct {
	ForceOCR               bool
	StripExistingOCR       bool
	DisableImageExtraction bool
}

// Handle identifies a submitted conversion.
type Handle struct {
	RequestID string `json:"requestId,omitempty"`
	CheckURL  string `json:"checkUrl"`
}

// Image is one image returned by the service, in response order.
type Image struct {
	Name string
	Data []byte
}

// Output is the converted document.
type Output struct {
	Markdown   string
	PageCount  int
	Images     []Image
	Structured json.RawMessage
}

// PollResult is the outcome of one status check.
type PollResult struct {
	Done   bool
	Status string
	Output *Output
}

// APIError is returned when the service rejects a request or reports a failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("datalab: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return "datalab: " + e.Message
}

// Client is a Datalab Marker API client.
type Client struct {
	endpoint   string
	apiKey     string
	paginate   bool
	useLLM     *bool
	pageSchema json.RawMessage
	httpClient *http.Client
	logger     *observability.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the client logger.
func WithLogger(l *observability.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPageSchema sets the structured extraction schema sent as page_schema.
func WithPageSchema(schema json.RawMessage) Option {
	return func(c *Client) { c.pageSchema = schema }
}

// NewClient builds a client from configuration. A configured page schema file
// must contain valid JSON.
func NewClient(cfg config.ConversionConfig, opts ...Option) (*Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &Client{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		paginate:   cfg.Paginate,
		useLLM:     cfg.UseLLM,
		httpClient: &http.Client{Timeout: timeout},
		logger:     observability.NopLogger(),
	}
	if cfg.PageSchemaPath != "" {
		schema, err := loadSchema(cfg.PageSchemaPath)
		if err != nil {
			return nil, err
		}
		c.pageSchema = schema
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func loadSchema(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page schema: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("parse page schema %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

type submitResponse struct {
	Success         bool   `json:"success"`
	Error           string `json:"error"`
	RequestID       string `json:"request_id"`
	RequestCheckURL string `json:"request_check_url"`
}

// Submit uploads doc for conversion to markdown.
func (c *Client) Submit(ctx context.Context, doc Document, opts Options) (Handle, error) {
	body, contentType, err := c.buildForm(doc, opts)
	if err != nil {
		return Handle{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Handle{}, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("submit document: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Handle{}, fmt.Errorf("read submit response: %w", err)
	}
	var sr submitResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return Handle{}, &APIError{StatusCode: resp.StatusCode, Message: "non-JSON submit response: " + snippet(raw)}
	}
	if resp.StatusCode >= 400 || !sr.Success {
		msg := sr.Error
		if msg == "" {
			msg = snippet(raw)
		}
		return Handle{}, &APIError{StatusCode: resp.StatusCode, Message: "submission failed: " + msg}
	}
	if sr.RequestCheckURL == "" {
		return Handle{}, &APIError{StatusCode: resp.StatusCode, Message: "response missing request_check_url"}
	}

	c.logger.Debug().
		Str("request_id", sr.RequestID).
		Str("document", doc.Name).
		Msg("Document submitted for conversion")
	return Handle{RequestID: sr.RequestID, CheckURL: sr.RequestCheckURL}, nil
}

func (c *Client) buildForm(doc Document, opts Options) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, doc.Name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, doc.Body); err != nil {
		return nil, "", fmt.Errorf("read document: %w", err)
	}

	fields := [][2]string{
		{"output_format", "markdown"},
		{"force_ocr", strconv.FormatBool(opts.ForceOCR)},
		{"paginate", strconv.FormatBool(c.paginate)},
		{"strip_existing_ocr", strconv.FormatBool(opts.StripExistingOCR)},
		{"disable_image_extraction", strconv.FormatBool(opts.DisableImageExtraction)},
	}
	useLLM := c.useLLM
	if useLLM == nil && len(c.pageSchema) > 0 {
		t := true
		useLLM = &t
	}
	if useLLM != nil {
		fields = append(fields, [2]string{"use_llm", strconv.FormatBool(*useLLM)})
	}
	if len(c.pageSchema) > 0 {
		fields = append(fields, [2]string{"page_schema", string(c.pageSchema)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type pollResponse struct {
	Status    *string         `json:"status"`
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	Markdown  string          `json:"markdown"`
	PageCount int             `json:"page_count"`
	Images    json.RawMessage `json:"images"`
}

// Poll checks the conversion status once.
func (c *Client) Poll(ctx context.Context, h Handle) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.CheckURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll conversion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	var pr pollResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "non-JSON poll response: " + snippet(raw)}
	}

	status := ""
	if pr.Status != nil {
		status = *pr.Status
	}
	switch status {
	case "", "processing":
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: firstNonEmpty(pr.Error, snippet(raw))}
		}
		return &PollResult{Status: "processing"}, nil
	case "complete":
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %q", status)}
	}

	if !pr.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "conversion failed: " + firstNonEmpty(pr.Error, "unknown error")}
	}

	images, err := c.decodeImages(ctx, pr.Images)
	if err != nil {
		return nil, err
	}
	out := &Output{
		Markdown:  pr.Markdown,
		PageCount: pr.PageCount,
		Images:    images,
	}
	if len(c.pageSchema) > 0 {
		out.Structured = structuredOutput(raw)
	}
	return &PollResult{Done: true, Status: status, Output: out}, nil
}

func structuredOutput(raw []byte) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	for _, k := range structuredKeys {
		v := bytes.TrimSpace(fields[k])
		if len(v) > 0 && (v[0] == '{' || v[0] == '[') {
			return v
		}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
