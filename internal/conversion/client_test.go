package conversion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/config"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

type fakeMarker struct {
	srv      *httptest.Server
	form     map[string]string
	fileName string
	fileBody string
	apiKeys  []string
	polls    atomic.Int32
	// pending is the number of polls answered with "processing".
	pending  int32
	complete string
}

func newFakeMarker(t *testing.T) *fakeMarker {
	t.Helper()
	f := &fakeMarker{form: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /marker", func(w http.ResponseWriter, r *http.Request) {
		f.apiKeys = append(f.apiKeys, r.Header.Get("X-Api-Key"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		for k, v := range r.MultipartForm.Value {
			f.form[k] = v[0]
		}
		file, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		f.fileName, f.fileBody = hdr.Filename, string(data)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":           true,
			"request_id":        "req-1",
			"request_check_url": f.srv.URL + "/check/req-1",
		})
	})
	mux.HandleFunc("GET /check/req-1", func(w http.ResponseWriter, r *http.Request) {
		f.apiKeys = append(f.apiKeys, r.Header.Get("X-Api-Key"))
		if f.polls.Add(1) <= f.pending {
			_, _ = w.Write([]byte(`{"status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(f.complete))
	})
	mux.HandleFunc("GET /img/chart.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg-bytes"))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestClient(t *testing.T, f *fakeMarker, cfg config.ConversionConfig, opts ...Option) *Client {
	t.Helper()
	cfg.Endpoint = f.srv.URL + "/marker"
	cfg.APIKey = "dl-key"
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestSubmit_SendsFormFields(t *testing.T) {
	f := newFakeMarker(t)
	c := newTestClient(t, f, config.ConversionConfig{Paginate: true})

	h, err := c.Submit(context.Background(), Document{Name: "trial.pdf", Body: strings.NewReader("%PDF")},
		Options{ForceOCR: true, StripExistingOCR: true, DisableImageExtraction: false})
	require.NoError(t, err)

	assert.Equal(t, "req-1", h.RequestID)
	assert.Equal(t, f.srv.URL+"/check/req-1", h.CheckURL)
	assert.Equal(t, []string{"dl-key"}, f.apiKeys)
	assert.Equal(t, "trial.pdf", f.fileName)
	assert.Equal(t, "%PDF", f.fileBody)
	assert.Equal(t, map[string]string{
		"output_format":            "markdown",
		"force_ocr":                "true",
		"paginate":                 "true",
		"strip_existing_ocr":       "true",
		"disable_image_extraction": "false",
	}, f.form)
}

func TestSubmit_PageSchemaImpliesUseLLM(t *testing.T) {
	f := newFakeMarker(t)
	schemaPath := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`{ "type": "object" }`), 0o600))

	c := newTestClient(t, f, config.ConversionConfig{PageSchemaPath: schemaPath})
	_, err := c.Submit(context.Background(), Document{Name: "a.pdf", Body: strings.NewReader("x")}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "true", f.form["use_llm"])
	assert.Equal(t, `{"type":"object"}`, f.form["page_schema"])
}

func TestSubmit_ExplicitUseLLMWins(t *testing.T) {
	f := newFakeMarker(t)
	off := false
	c := newTestClient(t, f, config.ConversionConfig{UseLLM: &off},
		WithPageSchema(json.RawMessage(`{}`)))
	_, err := c.Submit(context.Background(), Document{Name: "a.pdf", Body: strings.NewReader("x")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "false", f.form["use_llm"])
}

func TestNewClient_InvalidSchemaFile(t *testing.T) {
	schemaPath := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`{not json`), 0o600))
	_, err := NewClient(config.ConversionConfig{PageSchemaPath: schemaPath})
	assert.Error(t, err)
}

func TestSubmit_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"success false", http.StatusOK, `{"success":false,"error":"bad file"}`, "bad file"},
		{"http error", http.StatusUnauthorized, `{"success":false,"error":"invalid key"}`, "invalid key"},
		{"missing check url", http.StatusOK, `{"success":true}`, "request_check_url"},
		{"not json", http.StatusBadGateway, `<html>oops</html>`, "non-JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(config.ConversionConfig{Endpoint: srv.URL})
			require.NoError(t, err)
			_, err = c.Submit(context.Background(), Document{Name: "a.pdf", Body: strings.NewReader("x")}, Options{})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Contains(t, apiErr.Error(), tt.wantMsg)
		})
	}
}

func TestPoll_ProcessingThenComplete(t *testing.T) {
	f := newFakeMarker(t)
	f.pending = 2
	f.complete = fmt.Sprintf(`{
		"status": "complete",
		"success": true,
		"markdown": "# Title",
		"page_count": 3,
		"images": {
			"_page_1_Figure_0.jpeg": %q,
			"figure2": {"data": %q, "filename": "fig2"},
			"remote": {"url": %q, "filename": "chart.jpg"},
			"broken": "!!!not base64!!!",
			"empty": {}
		}
	}`, b64("first"), b64("second"), f.srv.URL+"/img/chart.jpg")

	c := newTestClient(t, f, config.ConversionConfig{})
	h := Handle{CheckURL: f.srv.URL + "/check/req-1"}

	for i := 0; i < 2; i++ {
		res, err := c.Poll(context.Background(), h)
		require.NoError(t, err)
		assert.False(t, res.Done)
	}

	res, err := c.Poll(context.Background(), h)
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, "# Title", res.Output.Markdown)
	assert.Equal(t, 3, res.Output.PageCount)
	assert.Nil(t, res.Output.Structured)

	require.Len(t, res.Output.Images, 3)
	assert.Equal(t, Image{Name: "_page_1_Figure_0.jpeg", Data: []byte("first")}, res.Output.Images[0])
	assert.Equal(t, Image{Name: "fig2.png", Data: []byte("second")}, res.Output.Images[1])
	assert.Equal(t, Image{Name: "chart.jpg", Data: []byte("jpeg-bytes")}, res.Output.Images[2])
}

func TestPoll_MissingStatusIsProcessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.ConversionConfig{})
	require.NoError(t, err)
	res, err := c.Poll(context.Background(), Handle{CheckURL: srv.URL})
	require.NoError(t, err)
	assert.False(t, res.Done)
}

func TestPoll_Failures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"complete without success", `{"status":"complete","success":false,"error":"ocr crashed"}`, "ocr crashed"},
		{"unknown status", `{"status":"exploded"}`, `unexpected status "exploded"`},
		{"non-json", `garbage`, "non-JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(config.ConversionConfig{})
			require.NoError(t, err)
			_, err = c.Poll(context.Background(), Handle{CheckURL: srv.URL})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPoll_StructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"complete","success":true,"markdown":"x","json":"not-structured","extracted":{"drug":"A"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.ConversionConfig{}, WithPageSchema(json.RawMessage(`{"type":"object"}`)))
	require.NoError(t, err)
	res, err := c.Poll(context.Background(), Handle{CheckURL: srv.URL})
	require.NoError(t, err)
	assert.JSONEq(t, `{"drug":"A"}`, string(res.Output.Structured))
}

func TestDecodeBase64(t *testing.T) {
	for _, in := range []string{
		b64("hello"),
		base64.RawStdEncoding.EncodeToString([]byte("hello")),
		"data:image/png;base64," + b64("hello"),
	} {
		got, err := decodeBase64(in)
		require.NoError(t, err, in)
		assert.Equal(t, "hello", string(got))
	}
	_, err := decodeBase64("***")
	assert.Error(t, err)
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "fig.png", imageName("fig"))
	assert.Equal(t, "fig.jpeg", imageName("fig.jpeg"))
}
