package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/extraction"
)

// jobColumns is the column list shared by every job query, in scan order.
const jobColumns = `id, owner_id, project_ref, source_ref, source_name, config, status, progress, stage,
	retry_count, max_retries, created_at, updated_at, started_at, completed_at, error_message`

const resultColumns = `job_id, text_content, images, tables, image_analyses, images_found, charts_detected,
	tables_found, processing_time_ms, page_count, language, structured_data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*extraction.Job, error) {
	var (
		j                      extraction.Job
		cfg, status            string
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.ProjectRef, &j.SourceRef, &j.SourceName, &cfg, &status, &j.Progress, &j.Stage,
		&j.RetryCount, &j.MaxRetries, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt, &j.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	j.Status = extraction.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

func scanResult(row rowScanner) (*extraction.ExtractionResult, error) {
	var (
		r                        extraction.ExtractionResult
		images, tables, analyses string
		structured               sql.NullString
	)
	err := row.Scan(
		&r.JobID, &r.TextContent, &images, &tables, &analyses, &r.ImagesFound, &r.ChartsDetected,
		&r.TablesFound, &r.ProcessingTimeMs, &r.PageCount, &r.Language, &structured, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(images), &r.Images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	if err := json.Unmarshal([]byte(tables), &r.Tables); err != nil {
		return nil, fmt.Errorf("decode tables: %w", err)
	}
	if err := json.Unmarshal([]byte(analyses), &r.ImageAnalyses); err != nil {
		return nil, fmt.Errorf("decode image analyses: %w", err)
	}
	if structured.Valid && structured.String != "" {
		r.StructuredData = json.RawMessage(structured.String)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// resultArgs returns the values for resultColumns.
func resultArgs(r *extraction.ExtractionResult) ([]any, error) {
	images := r.Images
	if images == nil {
		images = extraction.ImageSet{}
	}
	tables := r.Tables
	if tables == nil {
		tables = []extraction.Table{}
	}
	analyses := r.ImageAnalyses
	if analyses == nil {
		analyses = []extraction.ImageAnalysisResult{}
	}

	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("encode images: %w", err)
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("encode tables: %w", err)
	}
	analysesJSON, err := json.Marshal(analyses)
	if err != nil {
		return nil, fmt.Errorf("encode image analyses: %w", err)
	}
	var structured any
	if len(r.StructuredData) > 0 {
		structured = string(r.StructuredData)
	}
	return []any{
		r.JobID, r.TextContent, string(imagesJSON), string(tablesJSON), string(analysesJSON),
		r.ImagesFound, r.ChartsDetected, r.TablesFound, r.ProcessingTimeMs, r.PageCount, r.Language,
		structured, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	}, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// placeholders appends args and hands out $n markers in order.
type placeholders struct {
	args []any
}

func (p *placeholders) add(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}
