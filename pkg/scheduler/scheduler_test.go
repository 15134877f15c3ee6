package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

type recordingGenerator struct {
	mu         sync.Mutex
	inFlight   int
	maxInWork  int
	calls      map[string]int
	failKinds  map[string][]error
	hold       time.Duration
	writeStore *store.Memory
}

func newRecordingGenerator(mem *store.Memory) *recordingGenerator {
	return &recordingGenerator{
		calls:      map[string]int{},
		failKinds:  map[string][]error{},
		writeStore: mem,
	}
}

func (g *recordingGenerator) Generate(ctx context.Context, user ln.UserProfile, date string) (*ln.DailyReport, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxInWork {
		g.maxInWork = g.inFlight
	}
	g.calls[user.UserID]++
	attempt := g.calls[user.UserID]
	var err error
	if q := g.failKinds[user.UserID]; len(q) > 0 {
		err = q[0]
		g.failKinds[user.UserID] = q[1:]
	}
	g.mu.Unlock()

	if g.hold > 0 {
		time.Sleep(g.hold)
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()

	report := &ln.DailyReport{
		ReportID: fmt.Sprintf("%s-%d", user.UserID, attempt),
		UserID:   user.UserID, ReportDate: date, AttemptCount: attempt,
	}
	if err != nil {
		report.GenerationStatus = ln.ReportFailed
		report.FailReason = err.Error()
	} else {
		report.GenerationStatus = ln.ReportSucceeded
	}
	if g.writeStore != nil {
		_ = g.writeStore.UpsertReport(ctx, report)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (g *recordingGenerator) callCount(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[userID]
}

func testScheduler(t *testing.T, gen generator, mem *store.Memory) *Scheduler {
	t.Helper()
	cfg := config.Default().Scheduler
	cfg.MaxRetries = 3
	cfg.RetryBackoff = time.Millisecond
	return New(mem, gen, nil, nil, cfg, 3)
}

func enroll(t *testing.T, mem *store.Memory, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, mem.UpsertUser(context.Background(), ln.UserProfile{
			UserID:             fmt.Sprintf("u%03d", i),
			LightningPubkey:    fmt.Sprintf("pk%03d", i),
			DailyReportEnabled: true,
		}))
	}
}

func TestNextFire(t *testing.T) {
	base := time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC), NextFire(base, 6, 0))

	// At or past the fire time, the next fire is tomorrow: no backfill.
	after := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC), NextFire(after, 6, 0))

	late := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 6, 30, 0, 0, time.UTC), NextFire(late, 6, 30))
}

func TestRunPassBoundedConcurrency(t *testing.T) {
	mem := store.NewMemory()
	enroll(t, mem, 100)
	gen := newRecordingGenerator(mem)
	gen.hold = 5 * time.Millisecond
	s := testScheduler(t, gen, mem)

	s.RunPass(context.Background(), "2026-08-24")

	assert.LessOrEqual(t, gen.maxInWork, 10, "worker pool respects max_concurrent")
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, gen.callCount(fmt.Sprintf("u%03d", i)))
	}
}

func TestRunPassRetriesTransientFailures(t *testing.T) {
	mem := store.NewMemory()
	enroll(t, mem, 1)
	gen := newRecordingGenerator(mem)
	gen.failKinds["u000"] = []error{
		faults.Unavailable("Generate", "llm", errors.New("down")),
		faults.Transient("Generate", "llm", errors.New("still down")),
	}
	s := testScheduler(t, gen, mem)

	s.RunPass(context.Background(), "2026-08-24")
	assert.Equal(t, 3, gen.callCount("u000"), "two failures, then success")

	report, err := mem.GetReport(context.Background(), "u000", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, ln.ReportSucceeded, report.GenerationStatus)
}

func TestRunPassStopsOnPermanentFailure(t *testing.T) {
	mem := store.NewMemory()
	enroll(t, mem, 1)
	gen := newRecordingGenerator(mem)
	gen.failKinds["u000"] = []error{
		faults.Permanent("Generate", "llm", errors.New("bad node")),
	}
	s := testScheduler(t, gen, mem)

	s.RunPass(context.Background(), "2026-08-24")
	assert.Equal(t, 1, gen.callCount("u000"), "permanent faults are not retried")
}

func TestRunPassSkipsExhaustedAttempts(t *testing.T) {
	mem := store.NewMemory()
	enroll(t, mem, 1)
	require.NoError(t, mem.UpsertReport(context.Background(), &ln.DailyReport{
		ReportID: "r1", UserID: "u000", ReportDate: "2026-08-24",
		GenerationStatus: ln.ReportFailed, AttemptCount: 3,
	}))
	gen := newRecordingGenerator(mem)
	s := testScheduler(t, gen, mem)

	s.RunPass(context.Background(), "2026-08-24")
	assert.Zero(t, gen.callCount("u000"), "per-day attempt cap holds across restarts")
}

func TestRunPassSkipsSucceededDay(t *testing.T) {
	mem := store.NewMemory()
	enroll(t, mem, 1)
	require.NoError(t, mem.UpsertReport(context.Background(), &ln.DailyReport{
		ReportID: "r1", UserID: "u000", ReportDate: "2026-08-24",
		GenerationStatus: ln.ReportSucceeded, AttemptCount: 1,
	}))
	gen := newRecordingGenerator(mem)
	s := testScheduler(t, gen, mem)

	s.RunPass(context.Background(), "2026-08-24")
	assert.Zero(t, gen.callCount("u000"))
}

func TestRunPassPurgesExpiredReports(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.UpsertReport(ctx, &ln.DailyReport{
		ReportID: "old", UserID: "u000", ReportDate: "2020-01-01",
		GenerationStatus: ln.ReportSucceeded,
	}))
	gen := newRecordingGenerator(mem)
	s := testScheduler(t, gen, mem)

	s.RunPass(ctx, ln.ReportDate(time.Now()))

	_, err := mem.GetReport(ctx, "u000", "2020-01-01")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestRunFiresAndDrains(t *testing.T) {
	mem := store.NewMemory()
	enroll(t, mem, 2)
	gen := newRecordingGenerator(mem)

	cfg := config.SchedulerConfig{
		MaxConcurrent: 10, MaxRetries: 1,
		RetryBackoff: time.Millisecond, GracefulTimeout: time.Second,
	}
	s := New(mem, gen, nil, nil, cfg, 3)
	// Pin the clock 10ms before the fire time so the timer pops immediately.
	// Repeated fires are harmless: the day already succeeded.
	s.cfg.Hour = 6
	s.cfg.Minute = 0
	pinned := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC).Add(-10 * time.Millisecond)
	s.now = func() time.Time { return pinned }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return gen.callCount("u000") > 0 && gen.callCount("u001") > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain")
	}
}
