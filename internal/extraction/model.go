// Package extraction runs document extraction jobs: conversion of an uploaded
// document into text, tables and images, followed by batched image analysis.
//
// A job moves through the states
//
//	pending -> processing -> partial -> completed
//
// with failed and cancelled as the other terminal states. Every state change goes
// through Transition so the rules live in one place.
package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/tables"
)

// JobStatus is the lifecycle state of an extraction job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusPartial    JobStatus = "partial"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending, StatusProcessing, StatusPartial,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no further work happens for a job in this state.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the six known statuses.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", ValidationError(fmt.Sprintf("unknown job status %q", s), nil)
	}
	return st, nil
}

// Progress milestones.
const (
	ProgressStarted       = 5
	ProgressConversionCap = 75
	ProgressConverted     = 80
	ProgressAnalysisCap   = 95
	ProgressDone          = 100
)

// JobConfig is the per-job processing configuration chosen at submission.
type JobConfig struct {
	EnableImageAnalysis bool `json:"enableImageAnalysis"`
	ForceFullReprocess  bool `json:"forceFullReprocess"`
	MaxImages           int  `json:"maxImages"`
}

// Job is one submitted document and its processing state.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      string     `json:"ownerId"`
	ProjectRef   string     `json:"projectRef,omitempty"`
	SourceRef    string     `json:"sourceRef"`
	SourceName   string     `json:"sourceName,omitempty"`
	Config       JobConfig  `json:"config"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Stage        string     `json:"stage,omitempty"`
	RetryCount   int        `json:"retryCount"`
	MaxRetries   int        `json:"maxRetries"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Table is a single table found in the converted document.
type Table = tables.Table

// ImageRef points at one extracted image in blob storage.
type ImageRef struct {
	Name string
	Ref  string
}

// ImageSet is an ordered name -> blob reference mapping. It serialises as a JSON
// object whose keys keep extraction order.
type ImageSet []ImageRef

// Lookup returns the blob reference for name.
func (s ImageSet) Lookup(name string) (string, bool) {
	for _, img := range s {
		if img.Name == name {
			return img.Ref, true
		}
	}
	return "", false
}

// MarshalJSON writes the set as an ordered JSON object.
func (s ImageSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, img := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(img.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(img.Ref)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order.
func (s *ImageSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("image set: expected object, got %v", tok)
	}
	out := ImageSet{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var ref string
		if err := dec.Decode(&ref); err != nil {
			return fmt.Errorf("image set %q: %w", key, err)
		}
		out = append(out, ImageRef{Name: key, Ref: ref})
	}
	*s = out
	return nil
}

// ImageAnalysisResult is the vision verdict for one image. Error is set instead
// of the other fields when analysis of that image failed.
type ImageAnalysisResult struct {
	ImageName          string          `json:"imageName"`
	IsChart            bool            `json:"isChart"`
	ChartType          string          `json:"chartType,omitempty"`
	Explanation        string          `json:"explanation,omitempty"`
	ReconstructionCode string          `json:"reconstructionCode,omitempty"`
	ExtractedData      json.RawMessage `json:"extractedData,omitempty"`
	Assumptions        string          `json:"assumptions,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// ExtractionResult holds the converted document. It exists once a job has
// reached partial or any later state.
type ExtractionResult struct {
	JobID            uuid.UUID             `json:"jobId"`
	TextContent      string                `json:"textContent"`
	Images           ImageSet              `json:"images"`
	Tables           []Table               `json:"tables"`
	ImageAnalyses    []ImageAnalysisResult `json:"imageAnalyses"`
	ImagesFound      int                   `json:"imagesFound"`
	ChartsDetected   int                   `json:"chartsDetected"`
	TablesFound      int                   `json:"tablesFound"`
	ProcessingTimeMs int64                 `json:"processingTimeMs"`
	PageCount        int                   `json:"pageCount,omitempty"`
	Language         string                `json:"language,omitempty"`
	StructuredData   json.RawMessage       `json:"structuredData,omitempty"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// recount refreshes the derived counters.
func (r *ExtractionResult) recount() {
	r.ImagesFound = len(r.Images)
	r.TablesFound = len(r.Tables)
	charts := 0
	for _, a := range r.ImageAnalyses {
		if a.IsChart {
			charts++
		}
	}
	r.ChartsDetected = charts
}

// JobView is what status polling returns: the job plus its result when one exists.
type JobView struct {
	Job    *Job              `json:"job"`
	Result *ExtractionResult `json:"result,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	OwnerID    string
	ProjectRef string
	Statuses   []JobStatus
	Limit      int
}
