package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "mirrorball",
		Short:         "watch and resolve MirrorBall engine issues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	constructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return newIssuesGlazedCommand() },
		func() (cmds.Command, error) { return newGroupsGlazedCommand() },
		func() (cmds.Command, error) { return newResolveGlazedCommand() },
		func() (cmds.Command, error) { return newResolveGroupGlazedCommand() },
		func() (cmds.Command, error) { return newClearFailedGlazedCommand() },
		func() (cmds.Command, error) { return newRefreshGlazedCommand() },
		func() (cmds.Command, error) { return newWatchGlazedCommand() },
		func() (cmds.Command, error) { return newEventsGlazedCommand() },
		func() (cmds.Command, error) { return newServeGlazedCommand() },
		func() (cmds.Command, error) { return newConfigInitGlazedCommand() },
	}

	for _, construct := range constructors {
		command, err := construct()
		if err != nil {
			return nil, err
		}
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}
	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}
