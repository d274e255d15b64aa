package extraction

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/conversion"
)

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"figure_1.png":         "figure_1.png",
		"../../etc/passwd":     "passwd",
		`C:\docs\scan 01.jpeg`: "scan-01.jpeg",
		"  ":                   "fallback",
		"..":                   "fallback",
		"résumé.pdf":           "r-sum-.pdf",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeName(in, "fallback"), in)
	}
}

func TestUniqueName(t *testing.T) {
	seen := map[string]int{}
	assert.Equal(t, "a.png", uniqueName("a.png", seen))
	assert.Equal(t, "a_1.png", uniqueName("a.png", seen))
	assert.Equal(t, "a_2.png", uniqueName("a.png", seen))
	assert.Equal(t, "a_1_1.png", uniqueName("a_1.png", seen))
}

func TestAssemble(t *testing.T) {
	h := newHarness(t, &fakeConverter{}, PipelineConfig{})
	job := h.pendingJob(t, JobConfig{EnableImageAnalysis: true, MaxImages: 10})
	started := time.Now().Add(-time.Second)
	job.StartedAt = &started

	out := &conversion.Output{
		Markdown:   paperMarkdown,
		PageCount:  4,
		Images:     images("fig.png", "fig.png", "../evil.svg"),
		Structured: json.RawMessage(`{"title":"Phase II"}`),
	}
	result, analyzable, err := h.orch.assembler.Assemble(context.Background(), job, out)
	require.NoError(t, err)

	require.Len(t, result.Images, 3)
	assert.Equal(t, "fig.png", result.Images[0].Name)
	assert.Equal(t, "fig_1.png", result.Images[1].Name)
	assert.Equal(t, "evil.svg", result.Images[2].Name)
	assert.Equal(t, ImageBlobRef(job.ID, "fig_1.png"), result.Images[1].Ref)

	require.Len(t, analyzable, 2, "svg is not analyzable")
	assert.Equal(t, 3, result.ImagesFound)
	assert.Equal(t, 1, result.TablesFound)
	assert.Equal(t, 4, result.PageCount)
	assert.Equal(t, "en", result.Language)
	assert.JSONEq(t, `{"title":"Phase II"}`, string(result.StructuredData))
	assert.GreaterOrEqual(t, result.ProcessingTimeMs, int64(1000))
	assert.NotNil(t, result.ImageAnalyses)

	for _, img := range result.Images {
		ok, err := h.blobs.Exists(context.Background(), img.Ref)
		require.NoError(t, err)
		assert.True(t, ok, img.Name)
	}
}

func TestAssemble_NoTablesIsEmptySlice(t *testing.T) {
	h := newHarness(t, &fakeConverter{}, PipelineConfig{})
	job := h.pendingJob(t, JobConfig{MaxImages: 0})

	result, analyzable, err := h.orch.assembler.Assemble(context.Background(), job, &conversion.Output{Markdown: "plain"})
	require.NoError(t, err)
	assert.NotNil(t, result.Tables)
	assert.Empty(t, result.Tables)
	assert.Empty(t, analyzable)

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tables":[]`)
	assert.Contains(t, string(data), `"images":{}`)
}
