package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/timzinin/andry/internal/extract"
	"github.com/timzinin/andry/internal/observability"
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Ordinal int    `json:"ordinal"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
	Content any    `json:"content,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// CapabilityProvider executes one pipeline stage. Execute receives the
// request context and the outputs of all earlier stages, in order.
type CapabilityProvider interface {
	Name() string
	Execute(ctx context.Context, promptContext string, prior []string) (string, error)
}

// ArtifactStore persists runs and stage outputs. All methods are best-effort
// from the pipeline's point of view: persistence failures never abort a run.
type ArtifactStore interface {
	CreateRun(ctx context.Context, runID uuid.UUID, userID, testType, framework, language string) error
	SaveStageArtifact(ctx context.Context, runID uuid.UUID, stage string, ordinal int, content string) error
	CompleteRun(ctx context.Context, runID uuid.UUID, status string) error
}

// Diagnoser inspects generated test code between the writer and validator
// stages. The returned summary is forwarded to the validator; an empty
// summary means nothing to report.
type Diagnoser interface {
	Diagnose(ctx context.Context, code string, req Request) string
}

// RunOptions holds configuration for running the pipeline
type RunOptions struct {
	Store      ArtifactStore
	Diagnoser  Diagnoser
	OnProgress ProgressCallback
	Verbose    bool
}

// Crew holds one provider per registered stage.
type Crew struct {
	providers map[string]CapabilityProvider
}

// NewCrew builds a crew from providers. Every registered stage must have
// exactly one provider, matched by name.
func NewCrew(providers ...CapabilityProvider) (*Crew, error) {
	byName := make(map[string]CapabilityProvider, len(providers))
	for _, p := range providers {
		if _, ok := Registry[p.Name()]; !ok {
			return nil, fmt.Errorf("provider %q does not match any registered stage", p.Name())
		}
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider for stage %q", p.Name())
		}
		byName[p.Name()] = p
	}
	for name := range Registry {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("no provider for stage %q", name)
		}
	}
	return &Crew{providers: byName}, nil
}

// emitProgress calls the progress callback if configured
func emitProgress(opts *RunOptions, stage string, ordinal int, message, runID string, content any) {
	if opts.OnProgress != nil {
		opts.OnProgress(ProgressEvent{
			Stage:   stage,
			Ordinal: ordinal,
			Message: message,
			RunID:   runID,
			Content: content,
		})
	}
}

// buildPromptContext renders the request into the input block every stage
// receives. Stage prompts reference the metadata lines by name.
func buildPromptContext(req Request) string {
	return fmt.Sprintf("Test type: %s\nFramework: %s\nLanguage: %s\n\nSource code:\n%s\n",
		req.TestType, req.Framework, req.Language, req.Source)
}

// Run orchestrates the full test generation pipeline. Stages execute in
// ordinal order; a stage failure stops the run with no result recorded for
// the failed stage. The returned Run is non-nil whenever execution started,
// even on failure.
func (c *Crew) Run(ctx context.Context, req Request, opts RunOptions) (*Run, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Initialize observability printer for verbose output
	printer := observability.NewPrinter(os.Stdout)

	run := &Run{
		ID:        uuid.New(),
		Request:   req,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	if opts.Verbose {
		printer.PrintRequest(req.UserID, req.TestType, req.Framework, req.Language, len(req.Source))
	}

	if opts.Store != nil {
		if err := opts.Store.CreateRun(ctx, run.ID, req.UserID, req.TestType, req.Framework, req.Language); err != nil {
			fmt.Printf("Warning: Failed to create database run: %v\n", err)
			fmt.Printf("Continuing without database persistence...\n")
			opts.Store = nil
		}
	}

	promptContext := buildPromptContext(req)

	defs := Ordered()
	total := len(defs)
	completed := make(map[string]bool, total)
	var prior []string

	for _, def := range defs {
		if err := ValidateDependencies(def.Name, completed); err != nil {
			run.Status = StatusFailed
			run.Err = &StageError{Stage: def.Name, Err: err}
			run.FinishedAt = time.Now()
			return run, run.Err
		}

		fmt.Printf("Step %d/%d: Running %s stage...\n", def.Ordinal+1, total, def.Name)

		start := time.Now()
		out, err := c.providers[def.Name].Execute(ctx, promptContext, prior)
		if err != nil {
			run.Status = StatusFailed
			run.Err = &StageError{Stage: def.Name, Err: err}
			run.FinishedAt = time.Now()
			if opts.Store != nil {
				_ = opts.Store.CompleteRun(ctx, run.ID, StatusFailed)
			}
			emitProgress(&opts, def.Name, def.Ordinal,
				fmt.Sprintf("Stage %s failed: %v", def.Name, err), run.ID.String(), nil)
			return run, run.Err
		}

		run.Stages = append(run.Stages, StageResult{
			Name:     def.Name,
			Ordinal:  def.Ordinal,
			Output:   out,
			Duration: time.Since(start),
		})
		run.RawOutput = out
		completed[def.Name] = true
		prior = append(prior, out)

		if opts.Verbose {
			printer.PrintStageOutput(def.Name, out)
		}
		if opts.Store != nil {
			_ = opts.Store.SaveStageArtifact(ctx, run.ID, def.Name, def.Ordinal, out)
		}
		emitProgress(&opts, def.Name, def.Ordinal,
			fmt.Sprintf("Completed %s stage", def.Name), run.ID.String(), truncate(out, maxDiagnosticLen))

		// Diagnostics run on the freshly written tests so the validator sees
		// syntax and coverage findings alongside the model outputs.
		if def.Ordinal == OrdinalWrite && opts.Diagnoser != nil {
			code := extract.Extract(out, req.Language)
			if summary := opts.Diagnoser.Diagnose(ctx, code, req); summary != "" {
				prior = append(prior, "Automated diagnostics for the generated tests:\n"+summary)
				if opts.Verbose {
					printer.PrintDiagnostics(summary)
				}
			}
		}
	}

	run.Status = StatusSucceeded
	run.FinishedAt = time.Now()
	if opts.Store != nil {
		_ = opts.Store.CompleteRun(ctx, run.ID, StatusSucceeded)
	}

	if opts.Verbose {
		printer.PrintRunSummary(run.ID.String(), run.Status, len(run.Stages), len(run.Artifact()))
	}
	fmt.Printf("Done! Generated %d bytes of test code.\n", len(run.Artifact()))

	return run, nil
}
