package serviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mirrorball/internal/model"
)

func TestRemoteEngineListIssues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != IssuesPath {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(RequestIDHeader) == "" {
			t.Fatalf("expected request id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"1","title":"Collision","message":"a.txt","state":"New","options":["keep","take"]},{"id":"2","title":"Sync","state":"Busy","progress":0.5,"progressText":"copying"}]`))
	}))
	defer server.Close()

	engine := NewRemoteEngine(server.URL+"/", time.Second)
	issues, err := engine.ListIssues(context.Background())
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[0].State != model.IssueStateNew || len(issues[0].Options) != 2 {
		t.Fatalf("unexpected first issue: %+v", issues[0])
	}
	if issues[1].Progress != 0.5 || issues[1].ProgressText != "copying" {
		t.Fatalf("unexpected busy issue: %+v", issues[1])
	}
}

func TestRemoteEngineEmptyListIsNotNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`null`))
	}))
	defer server.Close()

	issues, err := NewRemoteEngine(server.URL, time.Second).ListIssues(context.Background())
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if issues == nil || len(issues) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", issues)
	}
}

func TestRemoteEngineMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":`))
	}))
	defer server.Close()

	_, err := NewRemoteEngine(server.URL, time.Second).ListIssues(context.Background())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestRemoteEngineResolveSendsBodyAndRequestID(t *testing.T) {
	var got model.ResolveRequest
	var gotID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ResolvePath {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotID = r.Header.Get(RequestIDHeader)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode resolve body: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ctx := WithRequestID(context.Background(), "req-42")
	err := NewRemoteEngine(server.URL, time.Second).Resolve(ctx, model.ResolveRequest{ID: "7", Choice: model.ClearChoice})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "7" || got.Choice != "" {
		t.Fatalf("unexpected resolve body: %+v", got)
	}
	if gotID != "req-42" {
		t.Fatalf("expected request id req-42, got %q", gotID)
	}
}

func TestRemoteEngineNon2xxIsRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "engine busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewRemoteEngine(server.URL, time.Second).Diff(context.Background())
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Status != http.StatusServiceUnavailable || remoteErr.Body != "engine busy" || remoteErr.Path != DiffPath {
		t.Fatalf("unexpected remote error: %+v", remoteErr)
	}
}

func TestRemoteEngineHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewRemoteEngine(server.URL, 5*time.Second).ListIssues(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
