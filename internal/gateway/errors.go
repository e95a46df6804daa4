package gateway

import (
	"fmt"
	"time"
)

// AdmissionError reports a rate-limited request.
type AdmissionError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry in %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// InputRejectedError reports input that does not resemble source code. The
// request never reaches the pipeline.
type InputRejectedError struct {
	Reason string
}

func (e *InputRejectedError) Error() string {
	return fmt.Sprintf("input rejected: %s", e.Reason)
}

// ExtractionEmptyError reports a run that completed but produced no usable
// test code. Distinct from a stage failure: nothing crashed.
type ExtractionEmptyError struct {
	RunID string
}

func (e *ExtractionEmptyError) Error() string {
	return fmt.Sprintf("run %s produced no usable test code", e.RunID)
}
