// Package resolver forwards a human's choice for an issue to the engine.
//
// At most one submission per issue is outstanding at a time. The engine owns
// the issue's state: nothing here changes an issue locally, the next poll
// shows the effect.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mirrorball/internal/hsm"
	"mirrorball/internal/model"
	"mirrorball/internal/serviceapi"
	"mirrorball/internal/telemetry"
)

const scopeName = "mirrorball/resolver"

var (
	ErrUnknownIssue       = errors.New("unknown issue")
	ErrInvalidChoice      = errors.New("choice not allowed for issue state")
	ErrResolutionInFlight = errors.New("resolution already in flight")
)

// IssueLookup is the read side of the latest snapshot.
type IssueLookup interface {
	Lookup(id string) (model.Issue, bool)
}

type OutcomeListener func(ctx context.Context, outcome model.ResolutionOutcome)

type Options struct {
	Timeout     time.Duration
	MaxParallel int
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return opts
}

type Submitter struct {
	engine      serviceapi.Engine
	issues      IssueLookup
	opts        Options
	logger      zerolog.Logger
	instruments telemetry.ResolverInstruments
	tracer      trace.Tracer

	mu        sync.Mutex
	resolving map[string]struct{}
	listeners []OutcomeListener

	background sync.WaitGroup
}

func New(engine serviceapi.Engine, issues IssueLookup, opts Options, logger zerolog.Logger) *Submitter {
	return &Submitter{
		engine:      engine,
		issues:      issues,
		opts:        normalizeOptions(opts),
		logger:      logger.With().Str("component", "resolver").Logger(),
		instruments: telemetry.NewResolverInstruments(telemetry.Meter(scopeName)),
		tracer:      telemetry.Tracer(scopeName),
		resolving:   map[string]struct{}{},
	}
}

// OnOutcome registers a listener called after every dispatch.
func (s *Submitter) OnOutcome(listener OutcomeListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Submitter) Resolving(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.resolving[id]
	return ok
}

// ResolvingIDs lists the issues with a submission outstanding, sorted.
func (s *Submitter) ResolvingIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.resolving))
	for id := range s.resolving {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Resolve validates choice against the latest snapshot, sends it and waits
// for the engine's answer. The id is opaque and used exactly as given. The returned error covers local rejection only; a
// failed dispatch is reported in the outcome.
func (s *Submitter) Resolve(ctx context.Context, id string, choice string) (model.ResolutionOutcome, error) {
	if err := s.acquire(id, choice); err != nil {
		return model.ResolutionOutcome{}, err
	}
	return s.dispatch(ctx, id, choice), nil
}

// Submit validates and takes the issue's lock, then dispatches in the
// background. Cancelling ctx after Submit returns does not abort the
// dispatch; the resolve timeout bounds it.
func (s *Submitter) Submit(ctx context.Context, id string, choice string) error {
	if err := s.acquire(id, choice); err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.dispatch(detached, id, choice)
	}()
	return nil
}

// Wait blocks until every background submission has finished.
func (s *Submitter) Wait() {
	s.background.Wait()
}

func (s *Submitter) acquire(id string, choice string) error {
	issue, ok := s.issues.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
	}
	if !hsm.AllowsChoice(issue, choice) {
		return fmt.Errorf("%w: %q for %s issue %s", ErrInvalidChoice, choice, issue.State, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.resolving[id]; busy {
		return fmt.Errorf("%w: %s", ErrResolutionInFlight, id)
	}
	s.resolving[id] = struct{}{}
	return nil
}

func (s *Submitter) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resolving, id)
}

func (s *Submitter) dispatch(ctx context.Context, id string, choice string) model.ResolutionOutcome {
	outcome := model.ResolutionOutcome{
		IssueID:   id,
		Choice:    choice,
		RequestID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	clearing := choice == model.ClearChoice

	callCtx, cancel := context.WithTimeout(serviceapi.WithRequestID(ctx, outcome.RequestID), s.opts.Timeout)
	callCtx, span := s.tracer.Start(callCtx, "resolver.resolve",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mirrorball.issue_id", id),
			attribute.Bool("mirrorball.clear", clearing),
		),
	)
	err := s.engine.Resolve(callCtx, model.ResolveRequest{ID: id, Choice: choice})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	cancel()
	s.release(id)

	outcome.FinishedAt = time.Now().UTC()
	s.instruments.RecordResolution(ctx, clearing, err)
	event := s.logger.Info()
	if err != nil {
		outcome.Err = err
		outcome.ErrorText = strings.TrimSpace(err.Error())
		event = s.logger.Warn().Err(err)
	}
	event.
		Str("issue_id", id).
		Str("choice", choice).
		Str("request_id", outcome.RequestID).
		Dur("elapsed", outcome.FinishedAt.Sub(outcome.StartedAt)).
		Msg("resolution_dispatched")

	s.mu.Lock()
	listeners := append([]OutcomeListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(ctx, outcome)
	}
	return outcome
}
