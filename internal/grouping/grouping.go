// Package grouping collects issues of the same kind into review groups and
// derives a per-slot option summary for each group.
package grouping

import (
	"mirrorball/internal/model"
	"mirrorball/internal/summary"
)

// DefaultExtraSlots keeps one summary slot past the largest option count.
// That slot only ever sees absent values, so its summary is empty.
const DefaultExtraSlots = 1

type Options struct {
	ExtraSlots  int
	Placeholder string
}

func DefaultOptions() Options {
	return Options{
		ExtraSlots:  DefaultExtraSlots,
		Placeholder: summary.Placeholder,
	}
}

// Group partitions issues by exact title. Groups appear in first-seen title
// order and issues keep their input order inside a group.
func Group(issues []model.Issue, opts Options) []model.IssueGroup {
	if opts.ExtraSlots < 0 {
		opts.ExtraSlots = 0
	}
	if opts.Placeholder == "" {
		opts.Placeholder = summary.Placeholder
	}

	index := map[string]int{}
	groups := []model.IssueGroup{}
	for _, issue := range issues {
		i, ok := index[issue.Title]
		if !ok {
			i = len(groups)
			index[issue.Title] = i
			groups = append(groups, model.IssueGroup{Title: issue.Title})
		}
		groups[i].Issues = append(groups[i].Issues, issue)
	}

	for i := range groups {
		summarizeGroup(&groups[i], opts)
	}
	return groups
}

func summarizeGroup(group *model.IssueGroup, opts Options) {
	maxOptions := 0
	for _, issue := range group.Issues {
		if len(issue.Options) > maxOptions {
			maxOptions = len(issue.Options)
		}
	}
	slots := maxOptions + opts.ExtraSlots
	group.Options = make([]string, 0, slots)
	group.Varies = make([]bool, 0, slots)
	for slot := 0; slot < slots; slot++ {
		values := make([]*string, len(group.Issues))
		for i, issue := range group.Issues {
			if slot < len(issue.Options) {
				values[i] = &issue.Options[slot]
			}
		}
		symbols := summary.Summarize(values)
		group.Options = append(group.Options, summary.Join(symbols, opts.Placeholder))
		group.Varies = append(group.Varies, summary.Varies(symbols))
	}
}

// Display returns the group's slot summaries with every varying slot
// collapsed into marker.
func Display(group model.IssueGroup, marker string) []string {
	out := make([]string, len(group.Options))
	for i, option := range group.Options {
		varies := i < len(group.Varies) && group.Varies[i]
		out[i] = summary.Collapse(option, varies, marker)
	}
	return out
}

// Flatten returns every issue of every group in group order.
func Flatten(groups []model.IssueGroup) []model.Issue {
	out := []model.Issue{}
	for _, group := range groups {
		out = append(out, group.Issues...)
	}
	return out
}

// Find returns the group with the given title.
func Find(groups []model.IssueGroup, title string) (model.IssueGroup, bool) {
	for _, group := range groups {
		if group.Title == title {
			return group, true
		}
	}
	return model.IssueGroup{}, false
}
