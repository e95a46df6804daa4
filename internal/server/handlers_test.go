package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzinin/andry/internal/gateway"
	"github.com/timzinin/andry/internal/pipeline"
	"github.com/timzinin/andry/internal/ratelimit"
	"github.com/timzinin/andry/internal/session"
)

const sampleSource = "def add(a, b):\n    return a + b\n"

// fakeRunner satisfies gateway.Runner with a canned artifact.
type fakeRunner struct {
	artifact string
	err      error
}

func (f *fakeRunner) Generate(_ context.Context, req pipeline.Request) (*pipeline.Run, error) {
	if f.err != nil {
		return &pipeline.Run{ID: uuid.New(), Request: req, Status: pipeline.StatusFailed, Err: f.err}, f.err
	}
	return &pipeline.Run{
		ID:      uuid.New(),
		Request: req,
		Status:  pipeline.StatusSucceeded,
		Stages: []pipeline.StageResult{
			{Name: "analyze", Ordinal: 0, Output: "analysis", Duration: 10 * time.Millisecond},
			{Name: "write_tests", Ordinal: 1, Output: f.artifact, Duration: 20 * time.Millisecond},
			{Name: "validate", Ordinal: 2, Output: "looks adequate", Duration: 5 * time.Millisecond},
		},
		RawOutput: "looks adequate",
	}, nil
}

// fakeStage satisfies pipeline.CapabilityProvider for the streaming path.
type fakeStage struct {
	name   string
	output string
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Execute(_ context.Context, _ string, _ []string) (string, error) {
	return f.output, nil
}

func newTestServer(t *testing.T, runner gateway.Runner, limit int) *Server {
	t.Helper()
	limiter := ratelimit.NewLimiter(&ratelimit.Config{Enabled: true, Limit: limit, Window: time.Minute})
	t.Cleanup(limiter.Stop)
	gw := gateway.New(limiter, session.NewStore(), runner, nil, gateway.Config{})

	crew, err := pipeline.NewCrew(
		&fakeStage{name: "analyze", output: "analysis"},
		&fakeStage{name: "write_tests", output: "```python\ndef test_add():\n    assert add(1, 2) == 3\n```"},
		&fakeStage{name: "validate", output: "looks adequate"},
	)
	require.NoError(t, err)

	return New(Config{Port: 0}, gw, crew, pipeline.RunOptions{}, nil, newTestJWTService())
}

func authedRequest(t *testing.T, s *Server, method, path string, body any) *http.Request {
	t.Helper()
	token, err := s.jwt.GenerateToken("user-1")
	require.NoError(t, err)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuthToken(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	body := bytes.NewBufferString(`{"user_id": "user-9"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := s.jwt.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID)
}

func TestAuthToken_MissingUserID(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate_Unauthorized(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"source": "def f(): pass"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerate_Success(t *testing.T) {
	runner := &fakeRunner{artifact: "```python\ndef test_add():\n    assert add(1, 2) == 3\n```"}
	s := newTestServer(t, runner, 5)

	req := authedRequest(t, s, http.MethodPost, "/generate", generateRequest{Source: sampleSource})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "succeeded", resp.Status)
	assert.Contains(t, resp.Artifact, "def test_add")
	assert.Equal(t, "looks adequate", resp.Review)
	assert.Len(t, resp.Stages, 3)
	assert.Equal(t, 1, resp.Usage.Used)
	assert.Equal(t, 5, resp.Usage.Limit)
}

func TestGenerate_MissingSource(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := authedRequest(t, s, http.MethodPost, "/generate", generateRequest{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "source is required")
}

func TestGenerate_InvalidTestType(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := authedRequest(t, s, http.MethodPost, "/generate", generateRequest{Source: sampleSource, TestType: "fuzz"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate_NonCodeRejected(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := authedRequest(t, s, http.MethodPost, "/generate", generateRequest{Source: "hello, how are you today?"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGenerate_RateLimited(t *testing.T) {
	runner := &fakeRunner{artifact: "def test_x():\n    pass"}
	s := newTestServer(t, runner, 1)

	req := authedRequest(t, s, http.MethodPost, "/generate", generateRequest{Source: sampleSource})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = authedRequest(t, s, http.MethodPost, "/generate", generateRequest{Source: sampleSource})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGenerateStream(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := authedRequest(t, s, http.MethodPost, "/generate/stream", generateRequest{Source: sampleSource})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, "write_tests")
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	// Fresh sessions are idle.
	req := authedRequest(t, s, http.MethodGet, "/session", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"idle"`)

	// Enter code mode.
	req = authedRequest(t, s, http.MethodPost, "/session/mode", map[string]string{"mode": "code"})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"awaiting_code"`)

	// Cancel back to idle.
	req = authedRequest(t, s, http.MethodPost, "/session/cancel", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"idle"`)
}

func TestSessionMode_Unknown(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := authedRequest(t, s, http.MethodPost, "/session/mode", map[string]string{"mode": "telepathy"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLimits(t *testing.T) {
	runner := &fakeRunner{artifact: "def test_x():\n    pass"}
	s := newTestServer(t, runner, 5)

	req := authedRequest(t, s, http.MethodPost, "/generate", generateRequest{Source: sampleSource})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = authedRequest(t, s, http.MethodGet, "/limits", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var usage usageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage.Used)
	assert.Equal(t, 5, usage.Limit)
}

func TestRuns_NoDatabase(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := authedRequest(t, s, http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req = authedRequest(t, s, http.MethodGet, fmt.Sprintf("/runs/%s", uuid.New()), nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req = authedRequest(t, s, http.MethodDelete, fmt.Sprintf("/runs/%s", uuid.New()), nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	s := newTestServer(t, &fakeRunner{artifact: "x"}, 5)

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "admission", err: &gateway.AdmissionError{Limit: 5, RetryAfter: time.Second}, want: http.StatusTooManyRequests},
		{name: "input rejected", err: &gateway.InputRejectedError{Reason: "no code"}, want: http.StatusUnprocessableEntity},
		{name: "empty artifact", err: &gateway.ExtractionEmptyError{RunID: "abc"}, want: http.StatusBadGateway},
		{name: "run not found", err: ErrRunNotFound, want: http.StatusNotFound},
		{name: "store unavailable", err: ErrStoreUnavailable, want: http.StatusServiceUnavailable},
		{name: "unknown", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestSSEWriter_Events(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sse.WriteEvent("progress", map[string]string{"stage": "analyze"}))
	require.NoError(t, sse.WriteError("boom"))
	require.NoError(t, sse.WriteComplete(map[string]string{"status": "succeeded"}))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "event: progress"))
	assert.True(t, strings.Contains(body, `data: {"stage":"analyze"}`))
	assert.True(t, strings.Contains(body, "event: error"))
	assert.True(t, strings.Contains(body, "event: complete"))
}
