package search

import (
	"strings"

	"mirrorball/internal/model"
)

// Filter keeps the issues whose message or any option contains query. The
// match is a case-sensitive substring match; a blank query keeps
// everything. Input order is preserved.
func Filter(issues []model.Issue, query string) []model.Issue {
	if strings.TrimSpace(query) == "" {
		return issues
	}
	out := make([]model.Issue, 0, len(issues))
	for _, issue := range issues {
		if Matches(issue, query) {
			out = append(out, issue)
		}
	}
	return out
}

func Matches(issue model.Issue, query string) bool {
	if strings.Contains(issue.Message, query) {
		return true
	}
	for _, option := range issue.Options {
		if strings.Contains(option, query) {
			return true
		}
	}
	return false
}
