// Package pipeline provides the high-level orchestration for the test
// generation process.
package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/timzinin/andry/internal/extract"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Request describes one test generation job. Source is the code under test;
// the remaining fields shape the prompts and the artifact extraction.
type Request struct {
	UserID    string `json:"user_id" validate:"required"`
	Source    string `json:"source" validate:"required"`
	TestType  string `json:"test_type" validate:"required,oneof=unit integration e2e"`
	Framework string `json:"framework" validate:"required,oneof=pytest unittest jest mocha"`
	Language  string `json:"language" validate:"required,oneof=python javascript typescript"`
}

var (
	validateOnce sync.Once
	requestV     *validator.Validate
)

// Normalize fills defaults and canonicalizes the enum fields.
func (r *Request) Normalize() {
	r.TestType = strings.ToLower(strings.TrimSpace(r.TestType))
	r.Framework = strings.ToLower(strings.TrimSpace(r.Framework))
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))

	if r.TestType == "" {
		r.TestType = "unit"
	}
	if r.Framework == "" {
		r.Framework = "pytest"
	}
	if r.Language == "" {
		r.Language = "python"
	}
}

// Validate checks the request against the allowed enum values.
func (r *Request) Validate() error {
	validateOnce.Do(func() {
		requestV = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := requestV.Struct(r); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// StageResult records one completed stage. Failed stages produce no result.
type StageResult struct {
	Name     string        `json:"name"`
	Ordinal  int           `json:"ordinal"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Run is the record of one pipeline execution.
type Run struct {
	ID         uuid.UUID     `json:"id"`
	Request    Request       `json:"request"`
	Stages     []StageResult `json:"stages"`
	RawOutput  string        `json:"raw_output"`
	Status     string        `json:"status"`
	Err        error         `json:"-"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// stageOutput returns the output of the stage at the given ordinal.
func (r *Run) stageOutput(ordinal int) (string, bool) {
	for _, s := range r.Stages {
		if s.Ordinal == ordinal {
			return s.Output, true
		}
	}
	return "", false
}

// Artifact returns the generated test code: the writer stage's output run
// through code extraction, falling back to the raw final output when the
// writer stage produced nothing.
func (r *Run) Artifact() string {
	if out, ok := r.stageOutput(OrdinalWrite); ok {
		return extract.Extract(out, r.Request.Language)
	}
	return extract.Extract(r.RawOutput, r.Request.Language)
}

// Review returns the validator stage's assessment, if the run got that far.
func (r *Run) Review() string {
	out, _ := r.stageOutput(OrdinalValidate)
	return out
}

// maxDiagnosticLen bounds how much model output is carried in errors.
const maxDiagnosticLen = 500

// StageError wraps a stage failure with enough context to log and report.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// truncate bounds diagnostic strings carried in errors and logs.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
