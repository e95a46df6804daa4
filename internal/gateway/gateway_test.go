package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/timzinin/andry/internal/pipeline"
	"github.com/timzinin/andry/internal/ratelimit"
	"github.com/timzinin/andry/internal/session"
)

// fakeRunner returns a canned run and records requests.
type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	artifact string
	err      error
	delay    time.Duration
}

func (f *fakeRunner) Generate(_ context.Context, req pipeline.Request) (*pipeline.Run, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return &pipeline.Run{ID: uuid.New(), Request: req, Status: pipeline.StatusFailed, Err: f.err}, f.err
	}
	return &pipeline.Run{
		ID:      uuid.New(),
		Request: req,
		Status:  pipeline.StatusSucceeded,
		Stages: []pipeline.StageResult{
			{Name: "analyze", Ordinal: 0, Output: "analysis"},
			{Name: "write_tests", Ordinal: 1, Output: f.artifact},
			{Name: "validate", Ordinal: 2, Output: "adequate"},
		},
		RawOutput: "adequate",
	}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeTransport records deliveries.
type fakeTransport struct {
	mu       sync.Mutex
	messages []string
	files    map[string][]byte
}

func (f *fakeTransport) SendMessage(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeTransport) SendFile(_ context.Context, _, filename string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[filename] = content
	return nil
}

func (f *fakeTransport) lastMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func newTestGateway(runner *fakeRunner, transport *fakeTransport, limit int) *Gateway {
	limiter := ratelimit.NewLimiter(&ratelimit.Config{Enabled: true, Limit: limit, Window: time.Minute})
	return New(limiter, session.NewStore(), runner, transport, Config{})
}

const sampleCode = "def add(a, b):\n    return a + b\n"

func TestHandleMessage_FastPath(t *testing.T) {
	runner := &fakeRunner{artifact: "```python\ndef test_add():\n    assert add(1, 2) == 3\n```"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	if err := g.HandleMessage(context.Background(), "user-1", sampleCode); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if runner.calls() != 1 {
		t.Fatalf("expected one dispatch, got %d", runner.calls())
	}
	if got := transport.lastMessage(); !strings.Contains(got, "def test_add") {
		t.Errorf("delivered message missing test code: %q", got)
	}
	if g.State("user-1") != session.StateIdle {
		t.Errorf("session should be idle after dispatch, got %s", g.State("user-1"))
	}
}

func TestHandleMessage_NonCodeRejected(t *testing.T) {
	runner := &fakeRunner{artifact: "x"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	if err := g.HandleMessage(context.Background(), "user-1", "hello, how are you today?"); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if runner.calls() != 0 {
		t.Error("non-code message must not reach the pipeline")
	}
	if used, _ := g.Usage("user-1"); used != 1 {
		t.Errorf("rejected input still consumes quota, used=%d, want 1", used)
	}
	if g.State("user-1") != session.StateIdle {
		t.Errorf("session changed on rejected input: %s", g.State("user-1"))
	}
}

func TestSubmit_LimiterGatesBeforeShapeCheck(t *testing.T) {
	runner := &fakeRunner{artifact: "x"}
	g := newTestGateway(runner, &fakeTransport{}, 1)

	ctx := context.Background()
	_, err := g.Submit(ctx, g.NewRequest("user-1", "just words", "python"))
	var rejected *InputRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected InputRejectedError, got %v", err)
	}
	if used, _ := g.Usage("user-1"); used != 1 {
		t.Fatalf("rejected input consumed no quota, used=%d", used)
	}

	// Quota is gone, so the next message hits the limiter before the
	// shape check even runs.
	_, err = g.Submit(ctx, g.NewRequest("user-1", "more words", "python"))
	var admission *AdmissionError
	if !errors.As(err, &admission) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
}

func TestHandleMessage_AwaitingCodeRejection(t *testing.T) {
	runner := &fakeRunner{artifact: "x"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	g.EnterCodeMode("user-1")
	if err := g.HandleMessage(context.Background(), "user-1", "not code at all"); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if g.State("user-1") != session.StateAwaitingCode {
		t.Errorf("awaiting-code session must survive a rejected message, got %s", g.State("user-1"))
	}
	if !strings.Contains(transport.lastMessage(), "doesn't look like source code") {
		t.Errorf("unexpected reply: %q", transport.lastMessage())
	}
}

func TestHandleMessage_AwaitingFileHint(t *testing.T) {
	runner := &fakeRunner{artifact: "x"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	g.EnterFileMode("user-1")
	if err := g.HandleMessage(context.Background(), "user-1", sampleCode); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if runner.calls() != 0 {
		t.Error("text message in file mode must not dispatch")
	}
	if !strings.Contains(transport.lastMessage(), "file attachment") {
		t.Errorf("unexpected reply: %q", transport.lastMessage())
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	runner := &fakeRunner{artifact: "def test_x():\n    pass"}
	g := newTestGateway(runner, &fakeTransport{}, 2)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := g.Submit(ctx, g.NewRequest("user-1", sampleCode, "python")); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	_, err := g.Submit(ctx, g.NewRequest("user-1", sampleCode, "python"))
	var admission *AdmissionError
	if !errors.As(err, &admission) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
	if admission.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %s, want > 0", admission.RetryAfter)
	}
	if runner.calls() != 2 {
		t.Errorf("rate-limited request dispatched anyway, calls=%d", runner.calls())
	}
}

func TestSubmit_InputRejected(t *testing.T) {
	runner := &fakeRunner{artifact: "x"}
	g := newTestGateway(runner, &fakeTransport{}, 5)

	_, err := g.Submit(context.Background(), g.NewRequest("user-1", "just words", "python"))
	var rejected *InputRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected InputRejectedError, got %v", err)
	}
}

func TestSubmit_EmptyArtifact(t *testing.T) {
	runner := &fakeRunner{artifact: "   "}
	g := newTestGateway(runner, &fakeTransport{}, 5)

	_, err := g.Submit(context.Background(), g.NewRequest("user-1", sampleCode, "python"))
	var empty *ExtractionEmptyError
	if !errors.As(err, &empty) {
		t.Fatalf("expected ExtractionEmptyError, got %v", err)
	}
}

func TestSubmit_SerializesPerUser(t *testing.T) {
	runner := &fakeRunner{artifact: "def test_x():\n    pass", delay: 30 * time.Millisecond}
	g := newTestGateway(runner, &fakeTransport{}, 10)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Submit(context.Background(), g.NewRequest("user-1", sampleCode, "python"))
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three runs finished in %s, expected serialized execution", elapsed)
	}
}

func TestLockFor_SweepsIdleEntries(t *testing.T) {
	g := newTestGateway(&fakeRunner{artifact: "x"}, &fakeTransport{}, 5)

	now := time.Now()
	g.now = func() time.Time { return now }

	g.lockFor("user-1")
	g.lockFor("user-2")
	if len(g.locks) != 2 {
		t.Fatalf("expected 2 lock entries, got %d", len(g.locks))
	}

	now = now.Add(lockIdleCutoff + time.Minute)
	g.lockFor("user-3")

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.locks) != 1 {
		t.Errorf("idle entries not swept, %d remain", len(g.locks))
	}
	if _, ok := g.locks["user-3"]; !ok {
		t.Error("active entry swept")
	}
}

func TestLockFor_HeldLockSurvivesSweep(t *testing.T) {
	g := newTestGateway(&fakeRunner{artifact: "x"}, &fakeTransport{}, 5)

	now := time.Now()
	g.now = func() time.Time { return now }

	held := g.lockFor("user-1")
	held.Lock()
	defer held.Unlock()

	now = now.Add(lockIdleCutoff + time.Minute)
	g.lockFor("user-2")

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.locks["user-1"]; !ok {
		t.Error("held lock entry must not be swept")
	}
}

func TestHandleFile(t *testing.T) {
	runner := &fakeRunner{artifact: "```javascript\ntest('adds', () => {});\n```"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	g.EnterFileMode("user-1")
	err := g.HandleFile(context.Background(), "user-1", "calc.js", []byte("function add(a, b) { return a + b; }"))
	if err != nil {
		t.Fatalf("HandleFile() error: %v", err)
	}

	if runner.calls() != 1 {
		t.Fatalf("expected one dispatch, got %d", runner.calls())
	}
	if runner.requests[0].Language != "javascript" {
		t.Errorf("language = %q, want javascript", runner.requests[0].Language)
	}
	if g.State("user-1") != session.StateIdle {
		t.Errorf("session should reset after file dispatch, got %s", g.State("user-1"))
	}

	// Uploads always come back as a file, even below the inline threshold.
	content, ok := transport.files["generated_tests.js"]
	if !ok {
		t.Fatalf("upload result should be a file, files=%v messages=%v", transport.files, transport.messages)
	}
	if !strings.Contains(string(content), "test('adds'") {
		t.Errorf("file content missing test code: %q", content)
	}
}

func TestHandleFile_UnsupportedExtension(t *testing.T) {
	runner := &fakeRunner{artifact: "x"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	if err := g.HandleFile(context.Background(), "user-1", "main.rb", []byte("puts 1")); err != nil {
		t.Fatalf("HandleFile() error: %v", err)
	}
	if runner.calls() != 0 {
		t.Error("unsupported file must not dispatch")
	}
	if !strings.Contains(transport.lastMessage(), "Unsupported file type") {
		t.Errorf("unexpected reply: %q", transport.lastMessage())
	}
}

func TestDeliver_LargeArtifactAsFile(t *testing.T) {
	big := "def test_big():\n" + strings.Repeat("    assert True\n", 400)
	runner := &fakeRunner{artifact: "```python\n" + big + "```"}
	transport := &fakeTransport{}
	g := newTestGateway(runner, transport, 5)

	if err := g.HandleMessage(context.Background(), "user-1", sampleCode); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	content, ok := transport.files["generated_tests.py"]
	if !ok {
		t.Fatalf("large artifact should be sent as a file, files=%v", transport.files)
	}
	if !strings.Contains(string(content), "def test_big") {
		t.Error("file content missing test code")
	}
}

func TestUsage(t *testing.T) {
	runner := &fakeRunner{artifact: "def test_x():\n    pass"}
	g := newTestGateway(runner, &fakeTransport{}, 5)

	if _, err := g.Submit(context.Background(), g.NewRequest("user-1", sampleCode, "python")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	used, limit := g.Usage("user-1")
	if used != 1 || limit != 5 {
		t.Errorf("Usage() = (%d, %d), want (1, 5)", used, limit)
	}
}
