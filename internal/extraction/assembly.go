package extraction

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/conversion"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/tables"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/vision"
)

// Assembler turns conversion output into an ExtractionResult: images go to blob
// storage, tables are parsed out of the text and the language is detected.
type Assembler struct {
	blobs    BlobStore
	detector LanguageDetector
	logger   *observability.Logger
	now      func() time.Time
}

// Assemble builds the result for job and returns it with the images that
// should be analyzed, in extraction order and capped at the job's maxImages.
func (a *Assembler) Assemble(ctx context.Context, job *Job, out *conversion.Output) (*ExtractionResult, []ImageRef, error) {
	now := a.now()
	result := &ExtractionResult{
		JobID:          job.ID,
		TextContent:    out.Markdown,
		Images:         ImageSet{},
		Tables:         tables.FromMarkdown(out.Markdown),
		ImageAnalyses:  []ImageAnalysisResult{},
		PageCount:      out.PageCount,
		StructuredData: out.Structured,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if result.Tables == nil {
		result.Tables = []Table{}
	}
	if job.StartedAt != nil {
		result.ProcessingTimeMs = now.Sub(*job.StartedAt).Milliseconds()
	}

	seen := make(map[string]int, len(out.Images))
	var analyzable []ImageRef
	for _, img := range out.Images {
		name := uniqueName(safeName(img.Name, "image.png"), seen)
		ref, err := a.blobs.Put(ctx, ImageBlobRef(job.ID, name), bytes.NewReader(img.Data))
		if err != nil {
			return nil, nil, StorageError(fmt.Sprintf("store image %s", name), err)
		}
		entry := ImageRef{Name: name, Ref: ref}
		result.Images = append(result.Images, entry)
		if vision.Supported(name) {
			analyzable = append(analyzable, entry)
		}
	}
	if limit := max(job.Config.MaxImages, 0); len(analyzable) > limit {
		a.logger.Info().
			Int("found", len(analyzable)).
			Int("max_images", limit).
			Msg("Truncating images for analysis")
		analyzable = analyzable[:limit]
	}

	if a.detector != nil {
		result.Language = a.detector.Detect(out.Markdown)
	}
	result.recount()
	return result, analyzable, nil
}

// safeName reduces a service-supplied file name to a single path element.
func safeName(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), ".-")
	if s == "" {
		return fallback
	}
	return s
}

func uniqueName(name string, seen map[string]int) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
	return uniqueName(candidate, seen)
}
