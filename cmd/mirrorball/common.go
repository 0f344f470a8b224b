package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/rs/zerolog"

	"mirrorball/internal/config"
	"mirrorball/internal/grouping"
	"mirrorball/internal/hsm"
	"mirrorball/internal/logging"
	"mirrorball/internal/model"
	"mirrorball/internal/serviceapi"
)

// engineSettings holds the flags shared by every command that talks to the
// engine. Commands read them next to their own settings struct.
type engineSettings struct {
	ConfigPath string `glazed.parameter:"config"`
	Engine     string `glazed.parameter:"engine"`
	LogLevel   string `glazed.parameter:"log-level"`
}

type commandEnv struct {
	cfg        config.Config
	configPath string
	logger     zerolog.Logger
	engine     *serviceapi.RemoteEngine
}

func engineFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"config",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to config file (defaults to $MIRRORBALL_CONFIG or .mirrorball/config.toml)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"engine",
			parameters.ParameterTypeString,
			parameters.WithHelp("Engine base URL, overrides engine.base_url"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"log-level",
			parameters.ParameterTypeString,
			parameters.WithHelp("Log level, overrides log.level"),
			parameters.WithDefault(""),
		),
	}
}

func queryFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"query",
		parameters.ParameterTypeString,
		parameters.WithHelp("Only issues whose message or an option contains this text (case-sensitive)"),
		parameters.WithDefault(""),
	)
}

func jsonFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"json",
		parameters.ParameterTypeBool,
		parameters.WithHelp("Print JSON instead of a table"),
		parameters.WithDefault(false),
	)
}

func loadCommandEnv(parsedLayers *layers.ParsedLayers) (*commandEnv, error) {
	settings := &engineSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return nil, err
	}
	return newCommandEnv(*settings)
}

func newCommandEnv(settings engineSettings) (*commandEnv, error) {
	cfg, path, err := config.Load(settings.ConfigPath)
	if err != nil {
		return nil, err
	}
	if engine := strings.TrimSpace(settings.Engine); engine != "" {
		cfg.Engine.BaseURL = engine
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	if level, ok := logging.ParseLevel(cfg.Log.Level); ok {
		logCfg.Level = level
	}
	if raw := strings.TrimSpace(settings.LogLevel); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return nil, fmt.Errorf("unknown --log-level %q", raw)
		}
		cfg.Log.Level = raw
		logCfg.Level = level
		logCfg.LevelLocked = true
	}
	logCfg.Format = cfg.Log.Format

	return &commandEnv{
		cfg:        cfg,
		configPath: path,
		logger:     logging.New("mirrorball", logCfg),
		engine:     serviceapi.NewRemoteEngine(cfg.Engine.BaseURL, clientTimeout(cfg.Engine)),
	}, nil
}

// clientTimeout bounds the HTTP client by the longest per-call timeout; each
// call still carries its own deadline.
func clientTimeout(cfg config.EngineConfig) time.Duration {
	return max(cfg.PollTimeout(), cfg.ResolveTimeout(), cfg.RefreshTimeout())
}

func (e *commandEnv) groupingOptions() grouping.Options {
	return grouping.Options{
		ExtraSlots:  e.cfg.Grouping.ExtraSlots,
		Placeholder: e.cfg.Grouping.Placeholder,
	}
}

func printJSON(payload any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func printIssues(issues []model.Issue, resolving func(string) bool) error {
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTITLE\tMESSAGE\tACTIONS")
	for _, issue := range issues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", issue.ID, issue.State, issue.Title, issue.Message, describeActions(issue, resolving != nil && resolving(issue.ID)))
	}
	return w.Flush()
}

func describeActions(issue model.Issue, resolving bool) string {
	if resolving {
		return "resolving"
	}
	p := hsm.Present(issue)
	switch {
	case len(p.Choices) > 0:
		return "choose: " + strings.Join(p.Choices, " | ")
	case p.CanClear:
		return "clear"
	case p.ShowProgress && p.ProgressText != "":
		return fmt.Sprintf("%.0f%% %s", p.Progress*100, p.ProgressText)
	case p.ShowProgress:
		return fmt.Sprintf("%.0f%%", p.Progress*100)
	default:
		return string(p.Display)
	}
}

func printGroups(groups []model.IssueGroup, marker string) error {
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for i, group := range groups {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (%d)\n", group.Title, len(group.Issues))
		for slot, option := range grouping.Display(group, marker) {
			if option == "" {
				continue
			}
			fmt.Fprintf(w, "  [%d]\t%s\n", slot, option)
		}
		for _, issue := range group.Issues {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", issue.ID, issue.State, issue.Message)
		}
	}
	return w.Flush()
}

func printOutcome(outcome model.ResolutionOutcome) {
	label := fmt.Sprintf("choice %q", outcome.Choice)
	if outcome.Choice == model.ClearChoice {
		label = "clear"
	}
	if outcome.Succeeded() {
		fmt.Fprintf(stdout, "%s: %s sent (request %s)\n", outcome.IssueID, label, outcome.RequestID)
		return
	}
	fmt.Fprintf(stdout, "%s: %s failed: %s\n", outcome.IssueID, label, outcome.ErrorText)
}
