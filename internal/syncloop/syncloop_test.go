package syncloop

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"mirrorball/internal/model"
	"mirrorball/internal/serviceapi"
	"mirrorball/internal/testutil/enginetest"
)

func newTestSync(engine *enginetest.Engine, opts Options) *IssueSync {
	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 2 * time.Second
	}
	return New(serviceapi.NewRemoteEngine(engine.URL(), 5*time.Second), opts, zerolog.Nop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stopAndWait(t *testing.T, loop *IssueSync) {
	t.Helper()
	loop.Stop()
	if !loop.Wait(3 * time.Second) {
		t.Fatalf("sync loop did not stop")
	}
}

func TestIssueSyncPublishesSnapshots(t *testing.T) {
	engine := enginetest.New(t,
		model.Issue{ID: "1", Title: "Collision", State: model.IssueStateNew, Options: []string{"keep", "take"}},
	)
	loop := newTestSync(engine, Options{})
	loop.Start(context.Background())
	defer stopAndWait(t, loop)

	select {
	case snapshot := <-loop.Updates():
		if snapshot.Seq == 0 || len(snapshot.Issues) != 1 || snapshot.Issues[0].ID != "1" {
			t.Fatalf("unexpected snapshot: %+v", snapshot)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a snapshot")
	}

	waitFor(t, "three polls", func() bool { return loop.Stats().Seq >= 3 })
	issue, ok := loop.Lookup("1")
	if !ok || issue.Title != "Collision" {
		t.Fatalf("expected lookup to find issue 1, got %+v %t", issue, ok)
	}
	if _, ok := loop.Lookup("2"); ok {
		t.Fatalf("expected unknown issue lookup to fail")
	}
}

func TestIssueSyncUpdatesKeepOnlyLatest(t *testing.T) {
	engine := enginetest.New(t, model.Issue{ID: "1", State: model.IssueStateQueued})
	loop := newTestSync(engine, Options{})
	loop.Start(context.Background())

	waitFor(t, "several polls", func() bool { return loop.Stats().Seq >= 4 })
	stopAndWait(t, loop)

	latest, _ := loop.Latest()
	select {
	case snapshot := <-loop.Updates():
		if snapshot.Seq != latest.Seq {
			t.Fatalf("expected handoff to hold seq %d, got %d", latest.Seq, snapshot.Seq)
		}
	default:
		t.Fatalf("expected an unread snapshot")
	}
	select {
	case snapshot := <-loop.Updates():
		t.Fatalf("expected a single buffered snapshot, got another: %+v", snapshot)
	default:
	}
}

func TestIssueSyncFailureKeepsPreviousSnapshot(t *testing.T) {
	engine := enginetest.New(t, model.Issue{ID: "1", State: model.IssueStateBusy, Progress: 0.25})
	loop := newTestSync(engine, Options{})

	var mu sync.Mutex
	var seqs []uint64
	loop.AddListener(func(_ context.Context, update Update) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, update.Snapshot.Seq)
	})
	loop.Start(context.Background())
	defer stopAndWait(t, loop)

	waitFor(t, "first snapshot", func() bool { _, ok := loop.Latest(); return ok })
	engine.FailNextPolls(3)
	waitFor(t, "three failures", func() bool { return loop.Stats().TotalErrors >= 3 })

	before, _ := loop.Latest()
	if len(before.Issues) != 1 || before.Issues[0].Progress != 0.25 {
		t.Fatalf("expected previous snapshot to survive failures, got %+v", before)
	}
	waitFor(t, "recovery", func() bool { return loop.Stats().ConsecutiveErrors == 0 && loop.Stats().Seq > before.Seq })

	stats := loop.Stats()
	if stats.LastError == "" || stats.LastErrorAt == nil {
		t.Fatalf("expected last error to be recorded: %+v", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("expected listener to see consecutive sequence numbers, got %v", seqs)
		}
	}
}

func TestIssueSyncMalformedPollIsAFailure(t *testing.T) {
	engine := enginetest.New(t, model.Issue{ID: "1", State: model.IssueStateNew, Options: []string{"a"}})
	engine.ServeMalformed(true)
	loop := newTestSync(engine, Options{})
	loop.Start(context.Background())
	defer stopAndWait(t, loop)

	waitFor(t, "failed polls", func() bool { return loop.Stats().TotalErrors >= 2 })
	if _, ok := loop.Latest(); ok {
		t.Fatalf("expected no snapshot from malformed responses")
	}
	engine.ServeMalformed(false)
	waitFor(t, "snapshot after recovery", func() bool { _, ok := loop.Latest(); return ok })
}

func TestIssueSyncNoPollAfterStop(t *testing.T) {
	engine := enginetest.New(t, model.Issue{ID: "1", State: model.IssueStateNew, Options: []string{"a"}})
	release := engine.BlockPolls(t)
	loop := newTestSync(engine, Options{})
	loop.Start(context.Background())

	select {
	case <-engine.PollStarted():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected first poll to reach the engine")
	}
	loop.Stop()
	release()
	if !loop.Wait(3 * time.Second) {
		t.Fatalf("sync loop did not stop")
	}

	if _, ok := loop.Latest(); ok {
		t.Fatalf("expected the in-flight result to be discarded after stop")
	}
	polls := engine.Polls()
	time.Sleep(50 * time.Millisecond)
	if engine.Polls() != polls || polls != 1 {
		t.Fatalf("expected exactly one poll, got %d then %d", polls, engine.Polls())
	}
	if loop.Stats().Running {
		t.Fatalf("expected loop to report stopped")
	}
}

func TestIssueSyncPollTimeoutIsAFailure(t *testing.T) {
	engine := enginetest.New(t, model.Issue{ID: "1", State: model.IssueStateNew, Options: []string{"a"}})
	engine.BlockPolls(t)
	loop := newTestSync(engine, Options{PollTimeout: 100 * time.Millisecond})
	loop.Start(context.Background())
	defer stopAndWait(t, loop)

	waitFor(t, "two timed out polls", func() bool { return loop.Stats().TotalErrors >= 2 })

	if err := loop.LastErr(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected last error to wrap deadline exceeded, got %v", err)
	}
	stats := loop.Stats()
	if !stats.Running {
		t.Fatalf("expected loop to keep running after timeouts: %+v", stats)
	}
	if _, ok := loop.Latest(); ok {
		t.Fatalf("expected no snapshot while every poll times out")
	}
	if engine.Polls() < 2 {
		t.Fatalf("expected at least 2 polls to reach the engine, got %d", engine.Polls())
	}
}

func TestIssueSyncStopDuringWait(t *testing.T) {
	engine := enginetest.New(t)
	loop := newTestSync(engine, Options{Interval: time.Hour})
	loop.Start(context.Background())

	waitFor(t, "first poll", func() bool { return loop.Stats().Seq == 1 })
	started := time.Now()
	stopAndWait(t, loop)
	if time.Since(started) > time.Second {
		t.Fatalf("expected stop to interrupt the wait")
	}
	if engine.Polls() != 1 {
		t.Fatalf("expected one poll, got %d", engine.Polls())
	}
}

func TestIssueSyncReportsChanges(t *testing.T) {
	engine := enginetest.New(t,
		model.Issue{ID: "1", State: model.IssueStateNew, Options: []string{"a"}},
		model.Issue{ID: "2", State: model.IssueStateFailed},
	)
	loop := newTestSync(engine, Options{})

	changes := make(chan []model.IssueChange, 16)
	loop.AddListener(func(_ context.Context, update Update) {
		if len(update.Changes) > 0 {
			changes <- update.Changes
		}
	})
	loop.Start(context.Background())
	defer stopAndWait(t, loop)

	first := <-changes
	if len(first) != 2 || first[0].Kind != model.IssueChangeAppeared || first[1].Kind != model.IssueChangeAppeared {
		t.Fatalf("expected two appeared changes, got %+v", first)
	}

	engine.SetIssues(model.Issue{ID: "1", State: model.IssueStateQueued})
	select {
	case second := <-changes:
		if len(second) != 2 {
			t.Fatalf("expected changed + resolved, got %+v", second)
		}
		if second[0].Kind != model.IssueChangeChanged || second[0].FromState != model.IssueStateNew || second[0].ToState != model.IssueStateQueued {
			t.Fatalf("unexpected state change: %+v", second[0])
		}
		if second[1].Kind != model.IssueChangeResolved || second[1].IssueID != "2" {
			t.Fatalf("unexpected resolved change: %+v", second[1])
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a change set after the engine moved issue 1")
	}
}

func TestRefreshNowRetriesThenReportsFailure(t *testing.T) {
	engine := enginetest.New(t)
	engine.FailDiffs(http.StatusBadGateway)
	loop := newTestSync(engine, Options{RefreshAttempts: 2})

	if err := loop.RefreshNow(context.Background()); err == nil {
		t.Fatalf("expected refresh to fail")
	}
	if engine.Diffs() != 2 {
		t.Fatalf("expected 2 diff attempts, got %d", engine.Diffs())
	}
	stats := loop.Stats()
	if stats.Refreshes != 1 || stats.RefreshErrors != 1 {
		t.Fatalf("unexpected refresh stats: %+v", stats)
	}
}

func TestRefreshRunsInBackground(t *testing.T) {
	engine := enginetest.New(t)
	loop := newTestSync(engine, Options{})

	loop.Refresh(context.Background())
	if !loop.Wait(3 * time.Second) {
		t.Fatalf("refresh did not finish")
	}
	if engine.Diffs() != 1 {
		t.Fatalf("expected 1 diff, got %d", engine.Diffs())
	}
	if loop.Stats().RefreshErrors != 0 {
		t.Fatalf("expected refresh to succeed")
	}
}

func TestIntervalPolicy(t *testing.T) {
	constant := New(nil, Options{Interval: 20 * time.Millisecond}, zerolog.Nop()).newIntervalPolicy()
	for i := 0; i < 3; i++ {
		if got := constant.NextBackOff(); got != 20*time.Millisecond {
			t.Fatalf("expected constant interval, got %s", got)
		}
	}

	loop := New(nil, Options{Interval: 10 * time.Millisecond, FailureBackoff: true, MaxInterval: 80 * time.Millisecond}, zerolog.Nop())
	policy := loop.newIntervalPolicy()
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = policy.NextBackOff()
		if last == backoff.Stop {
			t.Fatalf("expected failure backoff never to stop")
		}
		if last > 120*time.Millisecond {
			t.Fatalf("expected backoff to stay near the cap, got %s", last)
		}
	}
	if last < 40*time.Millisecond {
		t.Fatalf("expected backoff to grow towards the cap, got %s", last)
	}
}
