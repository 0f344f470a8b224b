// Package enginetest runs an in-process mirroring engine over httptest for
// tests that need the real HTTP boundary.
package enginetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"mirrorball/internal/model"
	"mirrorball/internal/serviceapi"
)

type ResolveCall struct {
	Request   model.ResolveRequest
	RequestID string
}

// Engine serves the issues, resolve and diff endpoints. Issues are served
// as configured; a successful resolve optionally moves the issue to Queued
// the way the real engine does.
type Engine struct {
	server *httptest.Server

	mu             sync.Mutex
	issues         []model.Issue
	polls          int
	diffs          int
	resolves       []ResolveCall
	failPolls      int
	malformed      bool
	resolveStatus  int
	diffStatus     int
	queueOnResolve bool
	pollGate       chan struct{}
	resolveGate    chan struct{}

	pollStarted    chan struct{}
	resolveStarted chan model.ResolveRequest
}

func New(t testing.TB, issues ...model.Issue) *Engine {
	t.Helper()
	engine := &Engine{
		issues:         append([]model.Issue(nil), issues...),
		pollStarted:    make(chan struct{}, 64),
		resolveStarted: make(chan model.ResolveRequest, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(serviceapi.IssuesPath, engine.handleIssues)
	mux.HandleFunc(serviceapi.ResolvePath, engine.handleResolve)
	mux.HandleFunc(serviceapi.DiffPath, engine.handleDiff)
	engine.server = httptest.NewServer(mux)
	t.Cleanup(engine.server.Close)
	return engine
}

func (e *Engine) URL() string {
	return e.server.URL
}

func (e *Engine) SetIssues(issues ...model.Issue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.issues = append([]model.Issue(nil), issues...)
}

// FailNextPolls makes the next n polls answer 500.
func (e *Engine) FailNextPolls(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failPolls = n
}

func (e *Engine) ServeMalformed(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.malformed = enabled
}

// FailResolves answers every resolve with status; 0 restores success.
func (e *Engine) FailResolves(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolveStatus = status
}

func (e *Engine) FailDiffs(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diffStatus = status
}

func (e *Engine) QueueOnResolve(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueOnResolve = enabled
}

// BlockPolls holds every poll until the returned release is called. Release
// is registered as a cleanup so the server can shut down.
func (e *Engine) BlockPolls(t testing.TB) func() {
	gate := make(chan struct{})
	e.mu.Lock()
	e.pollGate = gate
	e.mu.Unlock()
	return e.releaser(t, gate, func() { e.pollGate = nil })
}

func (e *Engine) BlockResolves(t testing.TB) func() {
	gate := make(chan struct{})
	e.mu.Lock()
	e.resolveGate = gate
	e.mu.Unlock()
	return e.releaser(t, gate, func() { e.resolveGate = nil })
}

func (e *Engine) releaser(t testing.TB, gate chan struct{}, reset func()) func() {
	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			reset()
			e.mu.Unlock()
			close(gate)
		})
	}
	t.Cleanup(release)
	return release
}

// PollStarted receives once per poll as it arrives.
func (e *Engine) PollStarted() <-chan struct{} {
	return e.pollStarted
}

func (e *Engine) ResolveStarted() <-chan model.ResolveRequest {
	return e.resolveStarted
}

func (e *Engine) Polls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls
}

func (e *Engine) Diffs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diffs
}

func (e *Engine) Resolves() []ResolveCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ResolveCall(nil), e.resolves...)
}

func (e *Engine) handleIssues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	e.mu.Lock()
	e.polls++
	gate := e.pollGate
	e.mu.Unlock()
	notify(e.pollStarted, struct{}{})
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	e.mu.Lock()
	fail := e.failPolls > 0
	if fail {
		e.failPolls--
	}
	malformed := e.malformed
	issues := append([]model.Issue(nil), e.issues...)
	e.mu.Unlock()

	switch {
	case fail:
		http.Error(w, "engine unavailable", http.StatusInternalServerError)
	case malformed:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":`))
	default:
		writeJSON(w, issues)
	}
}

func (e *Engine) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request model.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	e.resolves = append(e.resolves, ResolveCall{Request: request, RequestID: r.Header.Get(serviceapi.RequestIDHeader)})
	gate := e.resolveGate
	e.mu.Unlock()
	notify(e.resolveStarted, request)
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	e.mu.Lock()
	status := e.resolveStatus
	if status == 0 && e.queueOnResolve {
		for i := range e.issues {
			if e.issues[i].ID == request.ID {
				e.issues[i].State = model.IssueStateQueued
			}
		}
	}
	e.mu.Unlock()
	if status != 0 {
		http.Error(w, "resolve rejected", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) handleDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	e.mu.Lock()
	e.diffs++
	status := e.diffStatus
	e.mu.Unlock()
	if status != 0 {
		http.Error(w, "diff failed", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func notify[T any](ch chan T, value T) {
	select {
	case ch <- value:
	default:
	}
}
