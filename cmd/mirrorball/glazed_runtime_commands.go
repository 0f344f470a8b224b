package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"golang.org/x/sync/errgroup"

	"mirrorball/internal/bus"
	"mirrorball/internal/config"
	"mirrorball/internal/grouping"
	"mirrorball/internal/search"
	"mirrorball/internal/server"
	"mirrorball/internal/syncloop"
	"mirrorball/internal/telemetry"
)

const version = "dev"

func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (e *commandEnv) initTelemetry(ctx context.Context) (func(), error) {
	err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:      e.cfg.Telemetry.Enabled,
		Stdout:       e.cfg.Telemetry.Stdout,
		OTLPEndpoint: e.cfg.Telemetry.OTLPEndpoint,
		ServiceName:  "mirrorball",
		Version:      version,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}, nil
}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr string `glazed.parameter:"addr"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the observer HTTP API"),
			cmds.WithLong("Poll the engine continuously and serve issues, groups, resolutions and a live websocket stream."),
			cmds.WithFlags(append(engineFlags(),
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("Listen address, overrides server.addr"),
					parameters.WithDefault(""),
				),
			)...),
		),
	}, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(settings.Addr); addr != "" {
		env.cfg.Server.Addr = addr
	}

	ctx, stop := withSignals(ctx)
	defer stop()
	shutdown, err := env.initTelemetry(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	runtime, err := server.NewRuntime(env.cfg, env.engine, env.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "mirrorball serve listening on %s (engine %s)\n", env.cfg.Server.Addr, env.cfg.Engine.BaseURL)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type watchGlazedCommand struct {
	*cmds.CommandDescription
}

type watchSettings struct {
	Query string `glazed.parameter:"query"`
	JSON  bool   `glazed.parameter:"json"`
	Count int    `glazed.parameter:"count"`
}

func newWatchGlazedCommand() (*watchGlazedCommand, error) {
	return &watchGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"watch",
			cmds.WithShort("Print grouped issues on every poll"),
			cmds.WithLong("Run the sync loop in the foreground and print the grouped view after each successful poll."),
			cmds.WithFlags(append(engineFlags(),
				queryFlag(),
				jsonFlag(),
				parameters.NewParameterDefinition(
					"count",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Stop after this many snapshots (0 runs until interrupted)"),
					parameters.WithDefault(0),
				),
			)...),
		),
	}, nil
}

func (c *watchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &watchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}

	ctx, stop := withSignals(ctx)
	defer stop()
	shutdown, err := env.initTelemetry(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	loop := syncloop.New(env.engine, syncloop.OptionsFromConfig(env.cfg), env.logger)
	loop.Start(ctx)
	defer func() {
		loop.Stop()
		loop.Wait(env.cfg.Server.ShutdownTimeout())
	}()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot := <-loop.Updates():
			groups := grouping.Group(search.Filter(snapshot.Issues, settings.Query), env.groupingOptions())
			if settings.JSON {
				if err := printJSON(map[string]any{"seq": snapshot.Seq, "groups": groups}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(stdout, "== seq %d at %s ==\n", snapshot.Seq, snapshot.FetchedAt.Format(time.RFC3339))
				if err := printGroups(groups, env.cfg.Grouping.VariesMarker); err != nil {
					return err
				}
			}
			seen++
			if settings.Count > 0 && seen >= settings.Count {
				return nil
			}
		}
	}
}

var _ cmds.BareCommand = &watchGlazedCommand{}

type eventsGlazedCommand struct {
	*cmds.CommandDescription
}

type eventsSettings struct {
	Topics []string `glazed.parameter:"topic"`
	Count  int      `glazed.parameter:"count"`
}

func newEventsGlazedCommand() (*eventsGlazedCommand, error) {
	return &eventsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"events",
			cmds.WithShort("Tail events a running server publishes"),
			cmds.WithLong("Subscribe to the redis stream topics written by `mirrorball serve` and print each message as it arrives."),
			cmds.WithFlags(append(engineFlags(),
				parameters.NewParameterDefinition(
					"topic",
					parameters.ParameterTypeStringList,
					parameters.WithHelp("Topics to follow (defaults to all)"),
					parameters.WithDefault([]string{}),
				),
				parameters.NewParameterDefinition(
					"count",
					parameters.ParameterTypeInteger,
					parameters.WithHelp("Stop after this many messages (0 runs until interrupted)"),
					parameters.WithDefault(0),
				),
			)...),
		),
	}, nil
}

func (c *eventsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &eventsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	env, err := loadCommandEnv(parsedLayers)
	if err != nil {
		return err
	}
	if env.cfg.Bus.Backend != config.BusBackendRedis {
		return fmt.Errorf("events needs bus.backend=%s, got %q", config.BusBackendRedis, env.cfg.Bus.Backend)
	}

	eventBus, err := bus.Open(env.cfg.Bus, env.logger)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	topics := settings.Topics
	if len(topics) == 0 {
		topics = eventBus.Topics().All()
	}

	ctx, stop := withSignals(ctx)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		seen int
	)
	emit := func(topic string, msg *message.Message) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", topic, msg.Metadata.Get(bus.MetadataSeq), strings.TrimSpace(string(msg.Payload)))
		seen++
		if settings.Count > 0 && seen >= settings.Count {
			cancel()
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		messages, err := eventBus.Subscribe(groupCtx, topic)
		if err != nil {
			return err
		}
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case msg, ok := <-messages:
					if !ok {
						return nil
					}
					emit(topic, msg)
					msg.Ack()
				}
			}
		})
	}
	return group.Wait()
}

var _ cmds.BareCommand = &eventsGlazedCommand{}

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path  string `glazed.parameter:"path"`
	Force bool   `glazed.parameter:"force"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default mirrorball TOML config at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(config.DefaultConfigPath),
				),
				parameters.NewParameterDefinition(
					"force",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Overwrite an existing file"),
					parameters.WithDefault(false),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if _, err := os.Stat(settings.Path); err == nil && !settings.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", settings.Path)
	}
	if err := config.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}
