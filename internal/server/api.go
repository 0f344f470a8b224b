package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mirrorball/internal/grouping"
	"mirrorball/internal/hsm"
	"mirrorball/internal/model"
	"mirrorball/internal/resolver"
	"mirrorball/internal/search"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/issues", r.handleIssues)
	mux.HandleFunc("/api/v1/groups", r.handleGroups)
	mux.HandleFunc("/api/v1/resolve", r.handleResolve)
	mux.HandleFunc("/api/v1/groups/resolve", r.handleGroupResolve)
	mux.HandleFunc("/api/v1/clear-failed", r.handleClearFailed)
	mux.HandleFunc("/api/v1/refresh", r.handleRefresh)
	mux.HandleFunc("/api/v1/stream", r.handleStream)
	mux.HandleFunc("/", r.handleNotFound)
}

type IssueView struct {
	model.Issue
	Presentation hsm.Presentation `json:"presentation"`
	Resolving    bool             `json:"resolving"`
}

type GroupView struct {
	Title   string      `json:"title"`
	Issues  []IssueView `json:"issues"`
	Options []string    `json:"options"`
	Display []string    `json:"display"`
	Varies  []bool      `json:"varies"`
}

type IssuesResponse struct {
	Ready  bool        `json:"ready"`
	Seq    uint64      `json:"seq"`
	Query  string      `json:"query,omitempty"`
	Issues []IssueView `json:"issues"`
}

type GroupsResponse struct {
	Ready  bool        `json:"ready"`
	Seq    uint64      `json:"seq"`
	Query  string      `json:"query,omitempty"`
	Groups []GroupView `json:"groups"`
}

type resolveRequest struct {
	ID     string  `json:"id"`
	Choice *string `json:"choice"`
}

type groupResolveRequest struct {
	Title string `json:"title"`
	Slot  *int   `json:"slot"`
}

func (r *Runtime) handleIssues(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	query := req.URL.Query().Get("q")
	snapshot, ready := r.sync.Latest()
	writeJSON(w, http.StatusOK, IssuesResponse{
		Ready:  ready,
		Seq:    snapshot.Seq,
		Query:  query,
		Issues: r.issueViews(search.Filter(snapshot.Issues, query)),
	})
}

func (r *Runtime) handleGroups(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	query := req.URL.Query().Get("q")
	snapshot, ready := r.sync.Latest()
	writeJSON(w, http.StatusOK, GroupsResponse{
		Ready:  ready,
		Seq:    snapshot.Seq,
		Query:  query,
		Groups: r.groupViews(snapshot, query),
	})
}

func (r *Runtime) handleResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload resolveRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(payload.ID) == "" || payload.Choice == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "id and choice are required")
		return
	}
	if err := r.submitter.Submit(req.Context(), payload.ID, *payload.Choice); err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"issue_id": payload.ID,
	})
}

func (r *Runtime) handleGroupResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload groupResolveRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if payload.Slot == nil || *payload.Slot < 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "slot must be >= 0")
		return
	}
	snapshot, _ := r.sync.Latest()
	group, ok := grouping.Find(grouping.Group(snapshot.Issues, r.grouping), payload.Title)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "group_not_found", fmt.Sprintf("no group titled %q", payload.Title))
		return
	}
	ctx := context.WithoutCancel(req.Context())
	writeJSON(w, http.StatusOK, r.submitter.ResolveGroup(ctx, group, *payload.Slot))
}

func (r *Runtime) handleClearFailed(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	snapshot, _ := r.sync.Latest()
	ctx := context.WithoutCancel(req.Context())
	writeJSON(w, http.StatusOK, r.submitter.ClearFailed(ctx, search.Filter(snapshot.Issues, req.URL.Query().Get("q"))))
}

func (r *Runtime) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	r.sync.Refresh(context.WithoutCancel(req.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func (r *Runtime) issueViews(issues []model.Issue) []IssueView {
	views := make([]IssueView, 0, len(issues))
	for _, issue := range issues {
		views = append(views, IssueView{
			Issue:        issue,
			Presentation: hsm.Present(issue),
			Resolving:    r.submitter.Resolving(issue.ID),
		})
	}
	return views
}

func (r *Runtime) groupViews(snapshot model.Snapshot, query string) []GroupView {
	groups := grouping.Group(search.Filter(snapshot.Issues, query), r.grouping)
	views := make([]GroupView, 0, len(groups))
	for _, group := range groups {
		views = append(views, GroupView{
			Title:   group.Title,
			Issues:  r.issueViews(group.Issues),
			Options: group.Options,
			Display: grouping.Display(group, r.cfg.Grouping.VariesMarker),
			Varies:  group.Varies,
		})
	}
	return views
}

func writeResolverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrResolutionInFlight):
		writeAPIError(w, http.StatusConflict, "resolution_in_flight", err.Error())
	case errors.Is(err, resolver.ErrUnknownIssue):
		writeAPIError(w, http.StatusBadRequest, "unknown_issue", err.Error())
	case errors.Is(err, resolver.ErrInvalidChoice):
		writeAPIError(w, http.StatusBadRequest, "invalid_choice", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
	}
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}
