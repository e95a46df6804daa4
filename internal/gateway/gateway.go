// Package gateway admits inbound requests into the generation pipeline. It
// ties together the session state machine, the rate limiter, artifact
// extraction and result delivery, so every front end (chat, HTTP, CLI)
// converges on the same admission logic.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/timzinin/andry/internal/extract"
	"github.com/timzinin/andry/internal/pipeline"
	"github.com/timzinin/andry/internal/ratelimit"
	"github.com/timzinin/andry/internal/session"
)

// DefaultInlineThreshold is the largest artifact, in bytes, delivered as an
// inline message. Larger artifacts go out as a file attachment.
const DefaultInlineThreshold = 3500

// Runner executes one admitted request through the pipeline.
type Runner interface {
	Generate(ctx context.Context, req pipeline.Request) (*pipeline.Run, error)
}

// Transport delivers results and prompts back to a user.
type Transport interface {
	SendMessage(ctx context.Context, userID, text string) error
	SendFile(ctx context.Context, userID, filename string, content []byte) error
}

// CrewRunner adapts a pipeline crew to the Runner interface with fixed
// run options.
type CrewRunner struct {
	Crew *pipeline.Crew
	Opts pipeline.RunOptions
}

func (r *CrewRunner) Generate(ctx context.Context, req pipeline.Request) (*pipeline.Run, error) {
	return r.Crew.Run(ctx, req, r.Opts)
}

// Config holds the gateway's request defaults.
type Config struct {
	// InlineThreshold caps inline delivery; zero means DefaultInlineThreshold.
	InlineThreshold int
	// TestType and Language apply when the inbound event does not imply them.
	TestType string
	Language string
}

// Gateway is the request front end core.
type Gateway struct {
	limiter   *ratelimit.Limiter
	sessions  *session.Store
	runner    Runner
	transport Transport
	config    Config

	mu    sync.Mutex
	locks map[string]*userLock

	// now is the clock source; replaced in tests for determinism.
	now func() time.Time
}

// userLock serializes dispatch for one user. lastSeen drives idle cleanup.
type userLock struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// lockIdleCutoff is how long a user's lock entry survives without use.
const lockIdleCutoff = time.Hour

// New creates a gateway. transport may be nil for front ends that deliver
// results themselves and only call Submit.
func New(limiter *ratelimit.Limiter, sessions *session.Store, runner Runner, transport Transport, config Config) *Gateway {
	if config.InlineThreshold <= 0 {
		config.InlineThreshold = DefaultInlineThreshold
	}
	if config.TestType == "" {
		config.TestType = "unit"
	}
	if config.Language == "" {
		config.Language = "python"
	}
	return &Gateway{
		limiter:   limiter,
		sessions:  sessions,
		runner:    runner,
		transport: transport,
		config:    config,
		locks:     make(map[string]*userLock),
		now:       time.Now,
	}
}

// lockFor returns the mutex serializing requests for one user, sweeping
// entries idle past the cutoff. An idle entry cannot have a pending waiter:
// every waiter refreshes lastSeen here before blocking on the mutex.
func (g *Gateway) lockFor(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	l, ok := g.locks[userID]
	if !ok {
		l = &userLock{}
		g.locks[userID] = l
	}
	l.lastSeen = now

	for id, e := range g.locks {
		if id != userID && now.Sub(e.lastSeen) > lockIdleCutoff && e.mu.TryLock() {
			e.mu.Unlock()
			delete(g.locks, id)
		}
	}
	return &l.mu
}

// EnterCodeMode marks the user's next message as a code submission.
func (g *Gateway) EnterCodeMode(userID string) { g.sessions.EnterCodeMode(userID) }

// EnterFileMode marks the user's next upload as a code submission.
func (g *Gateway) EnterFileMode(userID string) { g.sessions.EnterFileMode(userID) }

// Cancel returns the user's session to idle. An already-dispatched run is
// not interrupted.
func (g *Gateway) Cancel(userID string) { g.sessions.Cancel(userID) }

// State reports the user's current session state.
func (g *Gateway) State(userID string) session.State { return g.sessions.Get(userID) }

// Snapshot reports the user's session state and when it last changed.
func (g *Gateway) Snapshot(userID string) (session.State, time.Time) {
	return g.sessions.Snapshot(userID)
}

// Usage reports the user's consumed requests and the admission ceiling.
func (g *Gateway) Usage(userID string) (used, limit int) {
	return g.limiter.Usage(userID), g.limiter.Limit()
}

// NewRequest builds a pipeline request from the gateway's defaults.
func (g *Gateway) NewRequest(userID, source, language string) pipeline.Request {
	if language == "" {
		language = g.config.Language
	}
	return pipeline.Request{
		UserID:    userID,
		Source:    source,
		TestType:  g.config.TestType,
		Framework: defaultFramework(language),
		Language:  language,
	}
}

// Submit runs the full admission path for one code submission: per-user
// serialization, rate limiting, input validity, session reset and pipeline
// dispatch. The returned run carries the extractable artifact.
func (g *Gateway) Submit(ctx context.Context, req pipeline.Request) (*pipeline.Run, error) {
	return g.SubmitWith(ctx, req, g.runner)
}

// SubmitWith is Submit with a caller-chosen runner, for front ends that
// attach per-request run options such as progress streaming.
func (g *Gateway) SubmitWith(ctx context.Context, req pipeline.Request, runner Runner) (*pipeline.Run, error) {
	req.Normalize()
	userID := req.UserID

	lock := g.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	// The limiter gates first: input rejected by the shape check below has
	// already consumed window quota.
	allowed, info := g.limiter.Allow(userID)
	if !allowed {
		return nil, &AdmissionError{Limit: info.Limit, RetryAfter: info.RetryAfter}
	}

	if !extract.LooksLikeSource(req.Source, req.Language) {
		return nil, &InputRejectedError{Reason: fmt.Sprintf("no recognizable %s code tokens", req.Language)}
	}

	// Dispatch resets the session regardless of the run's outcome.
	g.sessions.Complete(userID)

	run, err := runner.Generate(ctx, req)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			log.Printf("gateway: user=%s stage=%s run failed: %v", userID, stageErr.Stage, stageErr.Unwrap())
		} else {
			log.Printf("gateway: user=%s run failed: %v", userID, err)
		}
		return run, err
	}

	if strings.TrimSpace(run.Artifact()) == "" {
		log.Printf("gateway: user=%s run=%s empty artifact, raw output: %.200q", userID, run.ID, run.RawOutput)
		return run, &ExtractionEmptyError{RunID: run.ID.String()}
	}
	return run, nil
}

// HandleMessage processes an inbound text message according to the user's
// session state. Errors are converted to user-facing replies; only transport
// failures propagate.
func (g *Gateway) HandleMessage(ctx context.Context, userID, text string) error {
	state := g.sessions.Get(userID)
	if state == session.StateAwaitingFile {
		return g.transport.SendMessage(ctx, userID, "Send the source code as a file attachment, or cancel to start over.")
	}

	code := extract.Extract(text, g.config.Language)
	run, err := g.Submit(ctx, g.NewRequest(userID, code, g.config.Language))
	if err != nil {
		return g.reportError(ctx, userID, err)
	}
	return g.deliver(ctx, userID, run)
}

// HandleFile processes an uploaded source file. The language is inferred
// from the file extension.
func (g *Gateway) HandleFile(ctx context.Context, userID, filename string, content []byte) error {
	if g.sessions.Get(userID) == session.StateAwaitingCode {
		return g.transport.SendMessage(ctx, userID, "Paste the source code as a message, or cancel to start over.")
	}

	language, ok := languageForFile(filename)
	if !ok {
		return g.transport.SendMessage(ctx, userID,
			fmt.Sprintf("Unsupported file type %q. Supported: .py, .js, .ts", filepath.Ext(filename)))
	}

	source := strings.TrimSpace(string(content))
	if source == "" {
		return g.transport.SendMessage(ctx, userID, "The uploaded file is empty.")
	}

	run, err := g.Submit(ctx, g.NewRequest(userID, source, language))
	if err != nil {
		return g.reportError(ctx, userID, err)
	}
	// File in, file out, regardless of size.
	return g.deliverFile(ctx, userID, run)
}

// deliver sends the artifact inline when small enough, as a file otherwise.
func (g *Gateway) deliver(ctx context.Context, userID string, run *pipeline.Run) error {
	artifact := run.Artifact()
	if len(artifact) <= g.config.InlineThreshold {
		msg := fmt.Sprintf("Generated tests:\n```%s\n%s\n```", run.Request.Language, artifact)
		return g.transport.SendMessage(ctx, userID, msg)
	}
	return g.deliverFile(ctx, userID, run)
}

// deliverFile sends the artifact as a file attachment.
func (g *Gateway) deliverFile(ctx context.Context, userID string, run *pipeline.Run) error {
	filename := "generated_tests" + extensionFor(run.Request.Language)
	return g.transport.SendFile(ctx, userID, filename, []byte(run.Artifact()))
}

// reportError converts gateway and pipeline errors to user-facing replies.
func (g *Gateway) reportError(ctx context.Context, userID string, err error) error {
	var admission *AdmissionError
	var rejected *InputRejectedError
	var empty *ExtractionEmptyError
	switch {
	case errors.As(err, &rejected):
		// Idle users may just be chatting; a user who asked for code mode
		// gets told why the message was not accepted. Session is unchanged.
		if g.sessions.Get(userID) == session.StateAwaitingCode {
			return g.transport.SendMessage(ctx, userID, "That doesn't look like source code. Paste the code to test, or cancel.")
		}
		return g.transport.SendMessage(ctx, userID, "Send a block of source code to generate tests for it.")
	case errors.As(err, &admission):
		return g.transport.SendMessage(ctx, userID,
			fmt.Sprintf("Rate limit reached (%d requests per window). Try again in %.0f seconds.",
				admission.Limit, admission.RetryAfter.Seconds()))
	case errors.As(err, &empty):
		return g.transport.SendMessage(ctx, userID,
			"Generation finished but produced no usable test code. Try again with a smaller snippet.")
	default:
		return g.transport.SendMessage(ctx, userID, "Test generation failed. Please try again.")
	}
}

// defaultFramework picks the conventional framework for a language. The
// request validator constrains the result.
func defaultFramework(language string) string {
	switch language {
	case "javascript", "typescript":
		return "jest"
	default:
		return "pytest"
	}
}

func languageForFile(filename string) (string, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".py":
		return "python", true
	case ".js":
		return "javascript", true
	case ".ts":
		return "typescript", true
	default:
		return "", false
	}
}

func extensionFor(language string) string {
	switch language {
	case "javascript":
		return ".js"
	case "typescript":
		return ".ts"
	default:
		return ".py"
	}
}
