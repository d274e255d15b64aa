package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
)

// restClient covers the endpoints the Connect service does not expose:
// multipart upload and the XLSX export.
type restClient struct {
	http    *http.Client
	baseURL string
	owner   string
}

func newRESTClient(h *http.Client, baseURL, owner string) *restClient {
	return &restClient{http: h, baseURL: strings.TrimRight(baseURL, "/") + "/api/v1", owner: owner}
}

type submitOptions struct {
	ProjectRef          string
	SourceRef           string
	EnableImageAnalysis bool
	ForceFullReprocess  bool
	MaxImages           int
	MaxRetries          int
}

// apiError is the JSON error body written by the API.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
}

// Submit uploads path, or registers opts.SourceRef when path is empty.
func (c *restClient) Submit(ctx context.Context, path string, opts submitOptions) (*extraction.Job, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	go func() {
		pw.CloseWithError(writeSubmitForm(mw, path, opts))
	}()

	var job extraction.Job
	if err := c.do(req, http.StatusAccepted, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func writeSubmitForm(mw *multipart.Writer, path string, opts submitOptions) error {
	fields := map[string]string{
		"enableImageAnalysis": strconv.FormatBool(opts.EnableImageAnalysis),
		"forceFullReprocess":  strconv.FormatBool(opts.ForceFullReprocess),
	}
	if opts.ProjectRef != "" {
		fields["projectRef"] = opts.ProjectRef
	}
	if opts.SourceRef != "" {
		fields["sourceRef"] = opts.SourceRef
	}
	if opts.MaxImages > 0 {
		fields["maxImages"] = strconv.Itoa(opts.MaxImages)
	}
	if opts.MaxRetries >= 0 {
		fields["maxRetries"] = strconv.Itoa(opts.MaxRetries)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

// DownloadTables writes the XLSX export of jobID to w.
func (c *restClient) DownloadTables(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID+"/tables.xlsx", nil)
	if err != nil {
		return 0, err
	}
	c.setOwner(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeAPIError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *restClient) setOwner(req *http.Request) {
	if c.owner != "" {
		req.Header.Set("X-User-ID", c.owner)
	}
}

func (c *restClient) do(req *http.Request, want int, out any) error {
	c.setOwner(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	e := &apiError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(e); err != nil || e.Code == "" {
		e.Code = http.StatusText(resp.StatusCode)
	}
	return e
}
