package model

import "time"

type IssueState string

const (
	IssueStateNew    IssueState = "New"
	IssueStateQueued IssueState = "Queued"
	IssueStateBusy   IssueState = "Busy"
	IssueStateFailed IssueState = "Failed"
)

// Known reports whether the state is one of the four values the engine is
// documented to send. Unknown values are kept verbatim and rendered as
// display-only.
func (s IssueState) Known() bool {
	switch s {
	case IssueStateNew, IssueStateQueued, IssueStateBusy, IssueStateFailed:
		return true
	default:
		return false
	}
}

// ClearChoice is the sentinel choice that acknowledges a Failed issue.
const ClearChoice = ""

type Issue struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	State        IssueState `json:"state"`
	Options      []string   `json:"options"`
	Progress     float64    `json:"progress"`
	ProgressText string     `json:"progressText"`
}

type IssueGroup struct {
	Title   string   `json:"title"`
	Issues  []Issue  `json:"issues"`
	Options []string `json:"options"`
	Varies  []bool   `json:"varies"`
}

type Snapshot struct {
	Seq       uint64    `json:"seq"`
	FetchedAt time.Time `json:"fetched_at"`
	Issues    []Issue   `json:"issues"`
}

// Lookup returns the issue with the given id from the snapshot.
func (s Snapshot) Lookup(id string) (Issue, bool) {
	for _, issue := range s.Issues {
		if issue.ID == id {
			return issue, true
		}
	}
	return Issue{}, false
}

type IssueChangeKind string

const (
	IssueChangeAppeared IssueChangeKind = "appeared"
	IssueChangeChanged  IssueChangeKind = "changed"
	IssueChangeResolved IssueChangeKind = "resolved"
)

type IssueChange struct {
	Kind      IssueChangeKind `json:"kind"`
	IssueID   string          `json:"issue_id"`
	Title     string          `json:"title"`
	FromState IssueState      `json:"from_state,omitempty"`
	ToState   IssueState      `json:"to_state,omitempty"`
	Seq       uint64          `json:"seq"`
}

// DiffSnapshots lists what happened between two consecutive snapshots:
// issues that appeared, issues whose state changed, and issues the engine
// stopped reporting. Order follows next for appeared/changed, then prev for
// resolved.
func DiffSnapshots(prev Snapshot, next Snapshot) []IssueChange {
	previous := make(map[string]Issue, len(prev.Issues))
	for _, issue := range prev.Issues {
		previous[issue.ID] = issue
	}
	seen := make(map[string]struct{}, len(next.Issues))
	changes := []IssueChange{}
	for _, issue := range next.Issues {
		seen[issue.ID] = struct{}{}
		before, ok := previous[issue.ID]
		switch {
		case !ok:
			changes = append(changes, IssueChange{
				Kind:    IssueChangeAppeared,
				IssueID: issue.ID,
				Title:   issue.Title,
				ToState: issue.State,
				Seq:     next.Seq,
			})
		case before.State != issue.State:
			changes = append(changes, IssueChange{
				Kind:      IssueChangeChanged,
				IssueID:   issue.ID,
				Title:     issue.Title,
				FromState: before.State,
				ToState:   issue.State,
				Seq:       next.Seq,
			})
		}
	}
	for _, issue := range prev.Issues {
		if _, ok := seen[issue.ID]; ok {
			continue
		}
		changes = append(changes, IssueChange{
			Kind:      IssueChangeResolved,
			IssueID:   issue.ID,
			Title:     issue.Title,
			FromState: issue.State,
			Seq:       next.Seq,
		})
	}
	return changes
}

type ResolveRequest struct {
	ID     string `json:"id"`
	Choice string `json:"choice"`
}

type ResolutionOutcome struct {
	IssueID    string    `json:"issue_id"`
	Choice     string    `json:"choice"`
	RequestID  string    `json:"request_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ErrorText  string    `json:"error_text,omitempty"`
	Err        error     `json:"-"`
}

func (o ResolutionOutcome) Succeeded() bool {
	return o.Err == nil
}
