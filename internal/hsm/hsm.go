package hsm

import "mirrorball/internal/model"

// Display is the presentation kind an observer renders for an issue.
type Display string

const (
	DisplayChoose   Display = "choose"
	DisplayQueued   Display = "queued"
	DisplayProgress Display = "progress"
	DisplayError    Display = "error"
	DisplayUnknown  Display = "unknown"
)

// Presentation is what an observer may show and offer for one issue.
type Presentation struct {
	Display      Display  `json:"display"`
	Choices      []string `json:"choices,omitempty"`
	CanClear     bool     `json:"can_clear"`
	ShowProgress bool     `json:"show_progress"`
	Progress     float64  `json:"progress,omitempty"`
	ProgressText string   `json:"progress_text,omitempty"`
	IsError      bool     `json:"is_error"`
}

// Present dispatches on every state. A state the engine invents later lands
// in the unknown branch and is shown without actions.
func Present(issue model.Issue) Presentation {
	switch issue.State {
	case model.IssueStateNew:
		return Presentation{
			Display: DisplayChoose,
			Choices: append([]string(nil), issue.Options...),
		}
	case model.IssueStateQueued:
		return Presentation{Display: DisplayQueued}
	case model.IssueStateBusy:
		return Presentation{
			Display:      DisplayProgress,
			ShowProgress: true,
			Progress:     clampProgress(issue.Progress),
			ProgressText: issue.ProgressText,
		}
	case model.IssueStateFailed:
		return Presentation{
			Display:  DisplayError,
			CanClear: true,
			IsError:  true,
		}
	default:
		return Presentation{Display: DisplayUnknown}
	}
}

// AllowsChoice reports whether choice is a valid submission for the issue in
// its current state: one of the options while New, the clear sentinel while
// Failed, nothing otherwise.
func AllowsChoice(issue model.Issue, choice string) bool {
	switch issue.State {
	case model.IssueStateNew:
		for _, option := range issue.Options {
			if option == choice {
				return true
			}
		}
		return false
	case model.IssueStateFailed:
		return choice == model.ClearChoice
	case model.IssueStateQueued, model.IssueStateBusy:
		return false
	default:
		return false
	}
}

// Transitions the engine is known to report between polls. Busy can fall back
// to Queued when the engine retries, and any state can return to New when the
// engine re-diffs.
var issueTransitions = map[model.IssueState]map[model.IssueState]bool{
	model.IssueStateNew: {
		model.IssueStateQueued: true,
		model.IssueStateBusy:   true,
		model.IssueStateFailed: true,
	},
	model.IssueStateQueued: {
		model.IssueStateBusy:   true,
		model.IssueStateFailed: true,
		model.IssueStateNew:    true,
	},
	model.IssueStateBusy: {
		model.IssueStateQueued: true,
		model.IssueStateFailed: true,
		model.IssueStateNew:    true,
	},
	model.IssueStateFailed: {
		model.IssueStateNew:    true,
		model.IssueStateQueued: true,
	},
}

// CanObserveTransition reports whether a from -> to change between two polls
// is one the engine is documented to produce. It is advisory; the engine owns
// the state machine.
func CanObserveTransition(from model.IssueState, to model.IssueState) bool {
	if from == to {
		return true
	}
	return issueTransitions[from][to]
}

func clampProgress(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}
