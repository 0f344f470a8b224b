package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mirrorball/internal/model"
)

var ErrMalformedResponse = errors.New("malformed engine response")

// RemoteError is a non-2xx answer from the engine.
type RemoteError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type RemoteEngine struct {
	baseURL string
	client  *http.Client
}

// NewRemoteEngine talks to the engine at baseURL. The http client timeout is
// a ceiling; callers pass tighter per-call deadlines through ctx.
func NewRemoteEngine(baseURL string, timeout time.Duration) *RemoteEngine {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteEngine) BaseURL() string {
	return r.baseURL
}

func (r *RemoteEngine) ListIssues(ctx context.Context) ([]model.Issue, error) {
	var issues []model.Issue
	if err := r.doJSON(ctx, http.MethodGet, IssuesPath, nil, &issues); err != nil {
		return nil, err
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	return issues, nil
}

func (r *RemoteEngine) Resolve(ctx context.Context, request model.ResolveRequest) error {
	return r.doJSON(ctx, http.MethodPost, ResolvePath, request, nil)
}

func (r *RemoteEngine) Diff(ctx context.Context) error {
	return r.doJSON(ctx, http.MethodPost, DiffPath, nil, nil)
}

func (r *RemoteEngine) doJSON(ctx context.Context, method string, path string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(r.baseURL + path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	requestID := RequestIDFrom(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	request.Header.Set(RequestIDHeader, requestID)

	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return &RemoteError{
			Method: method,
			Path:   path,
			Status: response.StatusCode,
			Body:   strings.TrimSpace(string(payload)),
		}
	}
	if out == nil {
		// Drain so the connection can be reused; the body is not interpreted.
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	return nil
}
