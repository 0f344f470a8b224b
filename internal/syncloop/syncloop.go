// Package syncloop keeps a current view of the engine's issues by polling the
// full issue set on a fixed cadence.
package syncloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mirrorball/internal/config"
	"mirrorball/internal/hsm"
	"mirrorball/internal/model"
	"mirrorball/internal/serviceapi"
	"mirrorball/internal/telemetry"
)

const scopeName = "mirrorball/syncloop"

var errStopped = errors.New("sync loop stopped")

type Options struct {
	Interval        time.Duration
	FailureBackoff  bool
	MaxInterval     time.Duration
	PollTimeout     time.Duration
	RefreshTimeout  time.Duration
	RefreshAttempts int
	LogInterval     time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Interval:        cfg.Sync.Interval(),
		FailureBackoff:  cfg.Sync.FailureBackoff,
		MaxInterval:     cfg.Sync.MaxInterval(),
		PollTimeout:     cfg.Engine.PollTimeout(),
		RefreshTimeout:  cfg.Engine.RefreshTimeout(),
		RefreshAttempts: cfg.Engine.RefreshAttempts,
		LogInterval:     cfg.Sync.LogInterval(),
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = 30 * opts.Interval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.RefreshAttempts <= 0 {
		opts.RefreshAttempts = 3
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = 15 * time.Second
	}
	return opts
}

// Update is one successful poll and what changed since the previous one.
type Update struct {
	Snapshot model.Snapshot
	Changes  []model.IssueChange
}

// Listener runs on the polling goroutine, in poll order. It must not block
// for long: the next poll waits for it.
type Listener func(ctx context.Context, update Update)

type Stats struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastPollAt        *time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	TotalPolls        int64      `json:"total_polls"`
	TotalErrors       int64      `json:"total_errors"`
	Seq               uint64     `json:"seq"`
	IssueCount        int        `json:"issue_count"`
	NextPollIn        string     `json:"next_poll_in,omitempty"`
	Refreshes         int64      `json:"refreshes"`
	RefreshErrors     int64      `json:"refresh_errors"`
}

type IssueSync struct {
	engine      serviceapi.Engine
	opts        Options
	logger      zerolog.Logger
	instruments telemetry.SyncInstruments
	tracer      trace.Tracer
	handoff     chan model.Snapshot

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	doneChan  chan struct{}
	latest    model.Snapshot
	hasLatest bool
	listeners []Listener
	stats     Stats
	lastErr   error

	refreshes sync.WaitGroup
}

func New(engine serviceapi.Engine, opts Options, logger zerolog.Logger) *IssueSync {
	return &IssueSync{
		engine:      engine,
		opts:        normalizeOptions(opts),
		logger:      logger.With().Str("component", "syncloop").Logger(),
		instruments: telemetry.NewSyncInstruments(telemetry.Meter(scopeName)),
		tracer:      telemetry.Tracer(scopeName),
		handoff:     make(chan model.Snapshot, 1),
	}
}

// AddListener registers a listener for every later snapshot.
func (s *IssueSync) AddListener(listener Listener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *IssueSync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	now := time.Now().UTC()
	s.stats.Running = true
	s.stats.StartedAt = timePtr(now)
	s.doneChan = make(chan struct{})
	done := s.doneChan
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(loopCtx)
		s.mu.Lock()
		s.running = false
		s.stats.Running = false
		s.stats.NextPollIn = ""
		s.mu.Unlock()
		s.logger.Info().Msg("sync_loop_stopped")
	}()
}

// Stop asks the loop to finish. A poll already in flight is not interrupted;
// its result is discarded and nothing further is scheduled.
func (s *IssueSync) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the loop and any refresh in flight have finished, or
// timeout elapses. A zero timeout waits indefinitely.
func (s *IssueSync) Wait(timeout time.Duration) bool {
	s.mu.RLock()
	done := s.doneChan
	s.mu.RUnlock()

	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		s.refreshes.Wait()
		close(finished)
	}()
	if timeout <= 0 {
		<-finished
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		return false
	}
}

// Updates delivers the latest snapshot. An unread snapshot is replaced by a
// newer one, so a slow reader only ever sees the most recent view.
func (s *IssueSync) Updates() <-chan model.Snapshot {
	return s.handoff
}

func (s *IssueSync) Latest() (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// Lookup finds an issue in the latest snapshot.
func (s *IssueSync) Lookup(id string) (model.Issue, bool) {
	snapshot, ok := s.Latest()
	if !ok {
		return model.Issue{}, false
	}
	return snapshot.Lookup(id)
}

func (s *IssueSync) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copyStats := s.stats
	copyStats.StartedAt = cloneTimePtr(s.stats.StartedAt)
	copyStats.LastPollAt = cloneTimePtr(s.stats.LastPollAt)
	copyStats.LastSuccessAt = cloneTimePtr(s.stats.LastSuccessAt)
	copyStats.LastErrorAt = cloneTimePtr(s.stats.LastErrorAt)
	return copyStats
}

// LastErr returns the error of the most recent failed poll, unflattened so
// callers can match it with errors.Is.
func (s *IssueSync) LastErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *IssueSync) loop(ctx context.Context) {
	policy := s.newIntervalPolicy()
	logTicker := time.NewTicker(s.opts.LogInterval)
	defer logTicker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.poll(ctx)
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return
		}

		wait := s.opts.Interval
		if err == nil {
			policy.Reset()
		} else {
			wait = policy.NextBackOff()
			if wait == backoff.Stop {
				wait = s.opts.MaxInterval
			}
		}
		s.mu.Lock()
		s.stats.NextPollIn = wait.String()
		s.mu.Unlock()
		if !s.sleep(ctx, wait, logTicker.C) {
			return
		}
	}
}

// newIntervalPolicy spaces polls after a failure: the plain interval, or an
// exponential backoff capped at MaxInterval when FailureBackoff is set.
func (s *IssueSync) newIntervalPolicy() backoff.BackOff {
	if !s.opts.FailureBackoff {
		return backoff.NewConstantBackOff(s.opts.Interval)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.Interval
	bo.MaxInterval = s.opts.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *IssueSync) sleep(ctx context.Context, wait time.Duration, logTick <-chan time.Time) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-logTick:
			s.logStats()
		}
	}
}

// poll fetches the issue set once and publishes it. The request itself
// does not observe ctx cancellation; it is bounded by the poll timeout, and
// a result that arrives after ctx is done is dropped.
func (s *IssueSync) poll(ctx context.Context) error {
	started := time.Now()
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PollTimeout)
	pollCtx, span := s.tracer.Start(pollCtx, "syncloop.poll", trace.WithSpanKind(trace.SpanKindClient))
	issues, err := s.engine.ListIssues(pollCtx)
	cancel()
	s.instruments.RecordPoll(pollCtx, started, len(issues), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("mirrorball.issues", len(issues)))
	}
	span.End()

	if ctx.Err() != nil {
		s.logger.Debug().Msg("poll_result_discarded")
		return errStopped
	}

	now := time.Now().UTC()
	if err != nil {
		s.mu.Lock()
		s.stats.TotalPolls++
		s.stats.TotalErrors++
		s.stats.ConsecutiveErrors++
		s.stats.LastPollAt = timePtr(now)
		s.stats.LastErrorAt = timePtr(now)
		s.stats.LastError = strings.TrimSpace(err.Error())
		s.lastErr = err
		consecutive := s.stats.ConsecutiveErrors
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int("consecutive_errors", consecutive).Msg("poll_failed")
		return err
	}

	s.mu.Lock()
	previous := s.latest
	next := model.Snapshot{
		Seq:       previous.Seq + 1,
		FetchedAt: now,
		Issues:    issues,
	}
	s.latest = next
	s.hasLatest = true
	s.stats.TotalPolls++
	s.stats.ConsecutiveErrors = 0
	s.stats.LastPollAt = timePtr(now)
	s.stats.LastSuccessAt = timePtr(now)
	s.stats.Seq = next.Seq
	s.stats.IssueCount = len(issues)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	changes := model.DiffSnapshots(previous, next)
	for _, change := range changes {
		if change.Kind == model.IssueChangeChanged && !hsm.CanObserveTransition(change.FromState, change.ToState) {
			s.logger.Warn().
				Str("issue_id", change.IssueID).
				Str("from", string(change.FromState)).
				Str("to", string(change.ToState)).
				Msg("unexpected_issue_transition")
		}
	}

	offerLatest(s.handoff, next)
	update := Update{Snapshot: next, Changes: changes}
	for _, listener := range listeners {
		listener(ctx, update)
	}
	return nil
}

func (s *IssueSync) logStats() {
	stats := s.Stats()
	s.logger.Info().
		Bool("running", stats.Running).
		Uint64("seq", stats.Seq).
		Int("issues", stats.IssueCount).
		Int64("total_polls", stats.TotalPolls).
		Int64("total_errors", stats.TotalErrors).
		Int("consecutive_errors", stats.ConsecutiveErrors).
		Msg("sync_loop_stats")
}

// offerLatest replaces an unread snapshot with the newer one. Only the
// polling goroutine sends, so the drain-then-send cannot race another writer.
func offerLatest(ch chan model.Snapshot, snapshot model.Snapshot) {
	select {
	case ch <- snapshot:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snapshot:
	default:
	}
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
