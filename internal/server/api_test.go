package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mirrorball/internal/config"
	"mirrorball/internal/hsm"
	"mirrorball/internal/model"
	"mirrorball/internal/resolver"
	"mirrorball/internal/serviceapi"
	"mirrorball/internal/testutil/enginetest"
)

var deskIssues = []model.Issue{
	{ID: "1", Title: "A", Message: "conflict in a.txt", State: model.IssueStateNew, Options: []string{"x", "y"}},
	{ID: "2", Title: "A", Message: "conflict in b.txt", State: model.IssueStateNew, Options: []string{"x", "z"}},
	{ID: "3", Title: "B", Message: "disk full", State: model.IssueStateFailed},
	{ID: "4", Title: "C", Message: "copying", State: model.IssueStateBusy, Progress: 0.4, ProgressText: "40%"},
}

func newTestRuntime(t *testing.T, issues ...model.Issue) (*Runtime, *enginetest.Engine) {
	t.Helper()
	engine := enginetest.New(t, issues...)
	cfg := config.Default()
	cfg.Engine.BaseURL = engine.URL()
	cfg.Sync.IntervalMS = 10
	cfg.Bus.Backend = config.BusBackendMemory

	runtime, err := NewRuntime(cfg, serviceapi.NewRemoteEngine(engine.URL(), 5*time.Second), zerolog.Nop())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	runtime.Start(context.Background())
	t.Cleanup(runtime.Close)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := runtime.sync.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for first snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return runtime, engine
}

func serve(t *testing.T, runtime *Runtime, method string, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	response := httptest.NewRecorder()
	runtime.Handler().ServeHTTP(response, request)
	return response
}

func decodeBody(t *testing.T, response *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(response.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v: %s", err, response.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	runtime, _ := newTestRuntime(t, deskIssues...)

	response := serve(t, runtime, http.MethodGet, "/api/v1/health", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload HealthResponse
	decodeBody(t, response, &payload)
	if payload.Status != "ok" || !payload.Sync.Running || payload.Sync.Seq == 0 {
		t.Fatalf("unexpected health payload: %+v", payload)
	}
	if payload.Bus.Backend != config.BusBackendMemory || !payload.Bus.Healthy {
		t.Fatalf("unexpected bus status: %+v", payload.Bus)
	}
}

func TestHandleIssuesFiltersAndPresents(t *testing.T) {
	runtime, _ := newTestRuntime(t, deskIssues...)

	response := serve(t, runtime, http.MethodGet, "/api/v1/issues?q=txt", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload IssuesResponse
	decodeBody(t, response, &payload)
	if !payload.Ready || len(payload.Issues) != 2 {
		t.Fatalf("expected 2 matching issues, got %+v", payload)
	}
	if payload.Issues[0].ID != "1" || payload.Issues[0].Presentation.Display != hsm.DisplayChoose {
		t.Fatalf("unexpected first issue view: %+v", payload.Issues[0])
	}

	response = serve(t, runtime, http.MethodGet, "/api/v1/issues", "")
	decodeBody(t, response, &payload)
	if len(payload.Issues) != len(deskIssues) {
		t.Fatalf("expected blank query to keep all issues, got %d", len(payload.Issues))
	}
	busy := payload.Issues[3]
	if !busy.Presentation.ShowProgress || busy.Presentation.Progress != 0.4 {
		t.Fatalf("unexpected busy presentation: %+v", busy.Presentation)
	}
	if !payload.Issues[2].Presentation.CanClear {
		t.Fatalf("expected failed issue to offer clear")
	}
}

func TestHandleGroupsSummarizesSlots(t *testing.T) {
	runtime, _ := newTestRuntime(t, deskIssues...)

	response := serve(t, runtime, http.MethodGet, "/api/v1/groups?q=conflict", "")
	var payload GroupsResponse
	decodeBody(t, response, &payload)
	if len(payload.Groups) != 1 {
		t.Fatalf("expected one group, got %+v", payload.Groups)
	}
	group := payload.Groups[0]
	if group.Title != "A" || len(group.Issues) != 2 {
		t.Fatalf("unexpected group: %+v", group)
	}
	if !reflect.DeepEqual(group.Options, []string{"x", "*", ""}) {
		t.Fatalf("unexpected options: %#v", group.Options)
	}
	if !reflect.DeepEqual(group.Display, []string{"x", "varies", ""}) {
		t.Fatalf("unexpected display: %#v", group.Display)
	}
}

func TestHandleResolve(t *testing.T) {
	runtime, engine := newTestRuntime(t, deskIssues...)

	response := serve(t, runtime, http.MethodPost, "/api/v1/resolve", `{"id":"1","choice":"y"}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", response.Code, response.Body.String())
	}
	runtime.submitter.Wait()
	calls := engine.Resolves()
	if len(calls) != 1 || calls[0].Request != (model.ResolveRequest{ID: "1", Choice: "y"}) {
		t.Fatalf("unexpected resolve calls: %+v", calls)
	}

	response = serve(t, runtime, http.MethodPost, "/api/v1/resolve", `{"id":"3","choice":""}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected clear to be accepted, got %d: %s", response.Code, response.Body.String())
	}
	runtime.submitter.Wait()
}

func TestHandleResolveValidation(t *testing.T) {
	runtime, engine := newTestRuntime(t, deskIssues...)

	cases := []struct {
		body string
		code string
	}{
		{`{"id":"1"}`, "invalid_request"},
		{`{"id":"  ","choice":"x"}`, "invalid_request"},
		{`{"id":" 1 ","choice":"x"}`, "unknown_issue"},
		{`{"id":"1","choice":"w"}`, "invalid_choice"},
		{`{"id":"4","choice":"x"}`, "invalid_choice"},
		{`{"id":"99","choice":"x"}`, "unknown_issue"},
		{`{"id":"1","choice":"x","extra":true}`, "invalid_json"},
	}
	for _, tc := range cases {
		response := serve(t, runtime, http.MethodPost, "/api/v1/resolve", tc.body)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.body, response.Code)
		}
		var payload struct {
			Error apiError `json:"error"`
		}
		decodeBody(t, response, &payload)
		if payload.Error.Code != tc.code {
			t.Fatalf("%s: expected code %s, got %+v", tc.body, tc.code, payload.Error)
		}
	}
	if len(engine.Resolves()) != 0 {
		t.Fatalf("expected no dispatch for rejected requests")
	}
}

func TestHandleResolveConflictWhileInFlight(t *testing.T) {
	runtime, engine := newTestRuntime(t, deskIssues...)
	release := engine.BlockResolves(t)

	response := serve(t, runtime, http.MethodPost, "/api/v1/resolve", `{"id":"1","choice":"y"}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.Code)
	}
	select {
	case <-engine.ResolveStarted():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected resolve to reach the engine")
	}

	response = serve(t, runtime, http.MethodPost, "/api/v1/resolve", `{"id":"1","choice":"x"}`)
	if response.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", response.Code, response.Body.String())
	}

	var issues IssuesResponse
	decodeBody(t, serve(t, runtime, http.MethodGet, "/api/v1/issues", ""), &issues)
	if !issues.Issues[0].Resolving {
		t.Fatalf("expected issue 1 to be flagged as resolving")
	}
	release()
	runtime.submitter.Wait()
}

func TestHandleGroupResolve(t *testing.T) {
	runtime, engine := newTestRuntime(t, deskIssues...)

	response := serve(t, runtime, http.MethodPost, "/api/v1/groups/resolve", `{"title":"A","slot":1}`)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var result resolver.BulkResult
	decodeBody(t, response, &result)
	if len(result.Outcomes) != 2 || result.Outcomes[0].Choice != "y" || result.Outcomes[1].Choice != "z" {
		t.Fatalf("unexpected bulk result: %+v", result)
	}
	if len(engine.Resolves()) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(engine.Resolves()))
	}

	response = serve(t, runtime, http.MethodPost, "/api/v1/groups/resolve", `{"title":"Z","slot":0}`)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown group, got %d", response.Code)
	}
	response = serve(t, runtime, http.MethodPost, "/api/v1/groups/resolve", `{"title":"A"}`)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without slot, got %d", response.Code)
	}
}

func TestHandleClearFailedAndRefresh(t *testing.T) {
	runtime, engine := newTestRuntime(t, deskIssues...)

	response := serve(t, runtime, http.MethodPost, "/api/v1/clear-failed", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	calls := engine.Resolves()
	if len(calls) != 1 || calls[0].Request.ID != "3" || calls[0].Request.Choice != "" {
		t.Fatalf("unexpected clear calls: %+v", calls)
	}

	before := engine.Diffs()
	response = serve(t, runtime, http.MethodPost, "/api/v1/refresh", "")
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.Code)
	}
	deadline := time.Now().Add(3 * time.Second)
	for engine.Diffs() <= before {
		if time.Now().After(deadline) {
			t.Fatalf("expected refresh to reach the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMethodAndRouteErrors(t *testing.T) {
	runtime, _ := newTestRuntime(t)

	if response := serve(t, runtime, http.MethodPost, "/api/v1/issues", ""); response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", response.Code)
	}
	if response := serve(t, runtime, http.MethodGet, "/api/v1/resolve", ""); response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", response.Code)
	}
	if response := serve(t, runtime, http.MethodGet, "/api/v1/nope", ""); response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestStreamSendsGroupsAndOutcomes(t *testing.T) {
	runtime, engine := newTestRuntime(t, deskIssues...)
	server := httptest.NewServer(runtime.Handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/stream?q=conflict"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if frame.Type != "groups" || len(frame.Groups) != 1 || frame.Groups[0].Title != "A" {
		t.Fatalf("unexpected first frame: %+v", frame)
	}

	response := serve(t, runtime, http.MethodPost, "/api/v1/resolve", `{"id":"2","choice":"z"}`)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.Code)
	}
	for {
		frame = streamFrame{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type == string(StreamEventResolution) {
			break
		}
	}
	if frame.Outcome == nil || frame.Outcome.IssueID != "2" || frame.Outcome.ErrorText != "" {
		t.Fatalf("unexpected outcome frame: %+v", frame)
	}
	if len(engine.Resolves()) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(engine.Resolves()))
	}
}
