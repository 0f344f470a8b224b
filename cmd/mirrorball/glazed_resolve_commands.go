package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"mirrorball/internal/grouping"
	"mirrorball/internal/model"
	"mirrorball/internal/resolver"
	"mirrorball/internal/search"
	"mirrorball/internal/syncloop"
)

// newSubmitter fetches one snapshot so choices are validated against the
// issue's current state before anything is sent.
func (e *commandEnv) newSubmitter(ctx context.Context) (*resolver.Submitter, model.Snapshot, error) {
	issues, err := e.engine.ListIssues(ctx)
	if err != nil {
		return nil, model.Snapshot{}, err
	}
	snapshot := model.Snapshot{Seq: 1, Issues: issues}
	submitter := resolver.New(e.engine, snapshot, resolver.Options{
		Timeout:     e.cfg.Engine.ResolveTimeout(),
		MaxParallel: e.cfg.Resolver.MaxParallel,
	}, e.logger)
	return submitter, snapshot, nil
}

func reportBulk(result resolver.BulkResult, asJSON bool) error {
	if asJSON {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		for _, outcome := range result.Outcomes {
			printOutcome(outcome)
		}
		for _, skip := range result.Skipped {
			fmt.Fprintf(stdout, "%s: skipped: %s\n", skip.IssueID, skip.Reason)
		}
	}
	if failed := result.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d resolutions failed", failed, len(result.Outcomes))
	}
	return nil
}

type resolveGlazedCommand struct {
	*cmds.CommandDescription
}

type resolveSettings struct {
	ID     string `glazed.parameter:"id"`
	Choice string `glazed.parameter:"choice"`
	Clear  bool   `glazed.parameter:"clear"`
}

func newResolveGlazedCommand() (*resolveGlazedCommand, error) {
	return &resolveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"resolve",
			cmds.WithShort("Answer one issue"),
			cmds.WithLong("Send a choice for a New issue, or --clear a Failed issue."),
			cmds.WithFlags(append(engineFlags(),
				parameters.NewParameterDefinition(
					"id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Issue id"),
					parameters.WithRequired(true),
				),
				parameters.NewParameterDefinition(
					"choice",
					parameters.ParameterTypeString,
					parameters.WithHelp("One of the issue's options"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"clear",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Acknowledge a Failed issue"),
					parameters.WithDefault(false),
				),
			)...),
		),
	}, nil
}

func (c *resolveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &resolveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.Clear == (settings.Choice != "") {
		return fmt.Errorf("exactly one of --choice or --clear is required")
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}
	submitter, _, err := env.newSubmitter(ctx)
	if err != nil {
		return err
	}

	choice := settings.Choice
	if settings.Clear {
		choice = model.ClearChoice
	}
	outcome, err := submitter.Resolve(ctx, settings.ID, choice)
	if err != nil {
		return err
	}
	printOutcome(outcome)
	return outcome.Err
}

var _ cmds.BareCommand = &resolveGlazedCommand{}

type resolveGroupGlazedCommand struct {
	*cmds.CommandDescription
}

type resolveGroupSettings struct {
	Title string `glazed.parameter:"title"`
	Slot  int    `glazed.parameter:"slot"`
	JSON  bool   `glazed.parameter:"json"`
}

func newResolveGroupGlazedCommand() (*resolveGroupGlazedCommand, error) {
	return &resolveGroupGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"resolve-group",
			cmds.WithShort("Answer every New issue of a group"),
			cmds.WithLong("Send each New issue titled --title its own option at --slot."),
			cmds.WithFlags(append(engineFlags(),
				parameters.NewParameterDefinition(
					"title",
					parameters.ParameterTypeString,
					parameters.WithHelp("Group title"),
					parameters.WithRequired(true),
				),
				parameters.NewParameterDefinition(
					"slot",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Zero-based option slot"),
					parameters.WithRequired(true),
				),
				jsonFlag(),
			)...),
		),
	}, nil
}

func (c *resolveGroupGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &resolveGroupSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.Slot < 0 {
		return fmt.Errorf("--slot must be >= 0")
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}
	submitter, snapshot, err := env.newSubmitter(ctx)
	if err != nil {
		return err
	}
	group, ok := grouping.Find(grouping.Group(snapshot.Issues, env.groupingOptions()), settings.Title)
	if !ok {
		return fmt.Errorf("no group titled %q", settings.Title)
	}
	return reportBulk(submitter.ResolveGroup(ctx, group, settings.Slot), settings.JSON)
}

var _ cmds.BareCommand = &resolveGroupGlazedCommand{}

type clearFailedGlazedCommand struct {
	*cmds.CommandDescription
}

func newClearFailedGlazedCommand() (*clearFailedGlazedCommand, error) {
	return &clearFailedGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"clear-failed",
			cmds.WithShort("Acknowledge every Failed issue"),
			cmds.WithLong("Clear every Failed issue, optionally narrowed by --query."),
			cmds.WithFlags(append(engineFlags(), queryFlag(), jsonFlag())...),
		),
	}, nil
}

func (c *clearFailedGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &viewSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}
	submitter, snapshot, err := env.newSubmitter(ctx)
	if err != nil {
		return err
	}
	result := submitter.ClearFailed(ctx, search.Filter(snapshot.Issues, settings.Query))
	if len(result.Outcomes) == 0 && !settings.JSON {
		fmt.Fprintln(stdout, "no failed issues")
		return nil
	}
	return reportBulk(result, settings.JSON)
}

var _ cmds.BareCommand = &clearFailedGlazedCommand{}

type refreshGlazedCommand struct {
	*cmds.CommandDescription
}

func newRefreshGlazedCommand() (*refreshGlazedCommand, error) {
	return &refreshGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"refresh",
			cmds.WithShort("Ask the engine to re-diff"),
			cmds.WithLong("Trigger the engine's diff operation, retrying up to engine.refresh_attempts times."),
			cmds.WithFlags(engineFlags()...),
		),
	}, nil
}

func (c *refreshGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}
	loop := syncloop.New(env.engine, syncloop.OptionsFromConfig(env.cfg), env.logger)
	if err := loop.RefreshNow(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "refresh requested from %s\n", strings.TrimRight(env.engine.BaseURL(), "/"))
	return nil
}

var _ cmds.BareCommand = &refreshGlazedCommand{}
