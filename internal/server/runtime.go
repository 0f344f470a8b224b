package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mirrorball/internal/bus"
	"mirrorball/internal/config"
	"mirrorball/internal/grouping"
	"mirrorball/internal/model"
	"mirrorball/internal/resolver"
	"mirrorball/internal/serviceapi"
	"mirrorball/internal/syncloop"
)

type Runtime struct {
	cfg       config.Config
	logger    zerolog.Logger
	engine    serviceapi.Engine
	sync      *syncloop.IssueSync
	submitter *resolver.Submitter
	bus       *bus.Bus
	broker    *SnapshotBroker
	grouping  grouping.Options
	startedAt time.Time
	server    *http.Server
}

type HealthResponse struct {
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Now       time.Time      `json:"now"`
	Engine    string         `json:"engine"`
	Sync      syncloop.Stats `json:"sync"`
	Resolving []string       `json:"resolving"`
	Bus       HealthBus      `json:"bus"`
}

type HealthBus struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// NewRuntime wires the sync loop, submitter, bus and stream broker around
// engine. Nothing runs until Start or Run.
func NewRuntime(cfg config.Config, engine serviceapi.Engine, logger zerolog.Logger) (*Runtime, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	eventBus, err := bus.Open(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}

	issueSync := syncloop.New(engine, syncloop.OptionsFromConfig(cfg), logger)
	runtime := &Runtime{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
		engine: engine,
		sync:   issueSync,
		submitter: resolver.New(engine, issueSync, resolver.Options{
			Timeout:     cfg.Engine.ResolveTimeout(),
			MaxParallel: cfg.Resolver.MaxParallel,
		}, logger),
		bus:    eventBus,
		broker: NewSnapshotBroker(16),
		grouping: grouping.Options{
			ExtraSlots:  cfg.Grouping.ExtraSlots,
			Placeholder: cfg.Grouping.Placeholder,
		},
		startedAt: time.Now().UTC(),
	}
	issueSync.AddListener(runtime.onSyncUpdate)
	runtime.submitter.OnOutcome(runtime.onOutcome)

	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	runtime.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return runtime, nil
}

func (r *Runtime) Handler() http.Handler {
	return r.server.Handler
}

// Start begins polling and asks the engine for a fresh diff once.
func (r *Runtime) Start(ctx context.Context) {
	r.sync.Start(ctx)
	r.sync.Refresh(ctx)
}

// Run starts the background pieces, serves the observer API until ctx is
// done or the listener fails, then shuts everything down.
func (r *Runtime) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	r.Start(groupCtx)

	group.Go(func() error {
		r.logger.Info().Str("addr", r.cfg.Server.Addr).Str("engine", r.cfg.Engine.BaseURL).Msg("observer_listening")
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout())
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	r.Close()
	return err
}

// Close stops polling, waits for in-flight work, and closes the stream and
// the bus.
func (r *Runtime) Close() {
	r.sync.Stop()
	if !r.sync.Wait(r.cfg.Server.ShutdownTimeout()) {
		r.logger.Warn().Msg("sync_loop_stop_timeout")
	}
	r.submitter.Wait()
	r.broker.Close()
	if err := r.bus.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("bus_close_failed")
	}
}

func (r *Runtime) onSyncUpdate(ctx context.Context, update syncloop.Update) {
	snapshot := update.Snapshot
	r.broker.Publish(StreamEvent{Type: StreamEventSnapshot, Seq: snapshot.Seq, Snapshot: &snapshot, Changes: update.Changes})
	if err := r.bus.PublishSnapshot(ctx, update.Snapshot); err != nil {
		r.logger.Warn().Err(err).Uint64("seq", update.Snapshot.Seq).Msg("bus_publish_snapshot_failed")
	}
	if err := r.bus.PublishChanges(ctx, update.Changes); err != nil {
		r.logger.Warn().Err(err).Uint64("seq", update.Snapshot.Seq).Msg("bus_publish_changes_failed")
	}
}

func (r *Runtime) onOutcome(ctx context.Context, outcome model.ResolutionOutcome) {
	r.broker.Publish(StreamEvent{Type: StreamEventResolution, Outcome: &outcome})
	if err := r.bus.PublishOutcome(ctx, outcome); err != nil {
		r.logger.Warn().Err(err).Str("issue_id", outcome.IssueID).Msg("bus_publish_outcome_failed")
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	busStatus := HealthBus{Backend: r.cfg.Bus.Backend, Healthy: true}
	if err := r.bus.Healthy(req.Context()); err != nil {
		busStatus.Healthy = false
		busStatus.Error = err.Error()
	}
	response := HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Engine:    r.cfg.Engine.BaseURL,
		Sync:      r.sync.Stats(),
		Resolving: r.submitter.ResolvingIDs(),
		Bus:       busStatus,
	}
	statusCode := http.StatusOK
	if !busStatus.Healthy {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
