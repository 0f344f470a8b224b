package main

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"

	"mirrorball/internal/grouping"
	"mirrorball/internal/hsm"
	"mirrorball/internal/model"
	"mirrorball/internal/search"
)

type viewSettings struct {
	Query string `glazed.parameter:"query"`
	JSON  bool   `glazed.parameter:"json"`
}

type issuesGlazedCommand struct {
	*cmds.CommandDescription
}

func newIssuesGlazedCommand() (*issuesGlazedCommand, error) {
	return &issuesGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"issues",
			cmds.WithShort("List the engine's current issues"),
			cmds.WithLong("Fetch the full issue set once and print each issue with the actions it allows."),
			cmds.WithFlags(append(engineFlags(), queryFlag(), jsonFlag())...),
		),
	}, nil
}

type issueRow struct {
	model.Issue
	Presentation hsm.Presentation `json:"presentation"`
}

func (c *issuesGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &viewSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}

	issues, err := env.engine.ListIssues(ctx)
	if err != nil {
		return err
	}
	issues = search.Filter(issues, settings.Query)
	if settings.JSON {
		rows := make([]issueRow, 0, len(issues))
		for _, issue := range issues {
			rows = append(rows, issueRow{Issue: issue, Presentation: hsm.Present(issue)})
		}
		return printJSON(rows)
	}
	return printIssues(issues, nil)
}

var _ cmds.BareCommand = &issuesGlazedCommand{}

type groupsGlazedCommand struct {
	*cmds.CommandDescription
}

func newGroupsGlazedCommand() (*groupsGlazedCommand, error) {
	return &groupsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"groups",
			cmds.WithShort("Show issues grouped by title"),
			cmds.WithLong("Fetch the issue set once, group it by title and print each group's per-slot option summary."),
			cmds.WithFlags(append(engineFlags(), queryFlag(), jsonFlag())...),
		),
	}, nil
}

func (c *groupsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &viewSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}

	issues, err := env.engine.ListIssues(ctx)
	if err != nil {
		return err
	}
	groups := grouping.Group(search.Filter(issues, settings.Query), env.groupingOptions())
	if settings.JSON {
		return printJSON(groups)
	}
	return printGroups(groups, env.cfg.Grouping.VariesMarker)
}

var _ cmds.BareCommand = &groupsGlazedCommand{}
