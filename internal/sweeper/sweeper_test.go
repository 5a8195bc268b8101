package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/sweeper"
	"bountyline/internal/telemetry"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRunOnceRefundsOnlyExpiredTasks(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default()).WithClock(func() time.Time { return now })
	ctx := context.Background()
	if _, err := eng.InitPlatform(ctx, "ops", "", 250); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Deposit(ctx, "ops", "client", 10_000); err != nil {
		t.Fatal(err)
	}
	old, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Client: "client", Title: "old", Bounty: 1000, DeadlineHours: 1})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(engine.RefundGrace + 2*time.Hour)
	fresh, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Client: "client", Title: "fresh", Bounty: 2000, DeadlineHours: 24})
	if err != nil {
		t.Fatal(err)
	}

	sw := sweeper.New(sweeper.Config{Engine: eng, Logger: telemetry.Discard()})
	res, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Refunded) != 1 || res.Refunded[0] != old.ID || len(res.Failed) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := eng.GetTask(ctx, old.ID)
	if got.Status != domain.TaskCancelled {
		t.Fatalf("old task status = %s", got.Status)
	}
	got, _ = eng.GetTask(ctx, fresh.ID)
	if got.Status != domain.TaskOpen {
		t.Fatalf("fresh task touched: %s", got.Status)
	}
	if bal, _ := eng.Ledger.Balance(ctx, "client"); bal != 8000 {
		t.Fatalf("client balance = %d, want 8000", bal)
	}

	res, err = sw.RunOnce(ctx)
	if err != nil || len(res.Refunded) != 0 {
		t.Fatalf("second run refunded again: %+v %v", res, err)
	}
}

type fakeRefunder struct {
	mu      sync.Mutex
	due     []domain.Task
	fail    map[uint64]error
	callers []string
}

func (f *fakeRefunder) RefundableTasks(context.Context, int) ([]domain.Task, error) {
	return f.due, nil
}

func (f *fakeRefunder) AutoRefundExpired(_ context.Context, id uint64, caller string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = append(f.callers, caller)
	if err := f.fail[id]; err != nil {
		return domain.Task{}, err
	}
	return domain.Task{ID: id, Status: domain.TaskCancelled}, nil
}

func (f *fakeRefunder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callers)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	f := &fakeRefunder{
		due:  []domain.Task{{ID: 1}, {ID: 2}, {ID: 3}},
		fail: map[uint64]error{2: domain.ErrTaskNotOpen},
	}
	sw := sweeper.New(sweeper.Config{Engine: f, Logger: telemetry.Discard()})
	res, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Refunded) != 2 || res.Refunded[0] != 1 || res.Refunded[1] != 3 {
		t.Fatalf("refunded = %v", res.Refunded)
	}
	if !errors.Is(res.Failed[2], domain.ErrTaskNotOpen) {
		t.Fatalf("failure not reported: %v", res.Failed)
	}
	for _, c := range f.callers {
		if c != sweeper.Actor {
			t.Fatalf("refund called as %q", c)
		}
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	f := &fakeRefunder{due: []domain.Task{{ID: 9}}}
	sw := sweeper.New(sweeper.Config{Engine: f, Logger: telemetry.Discard(), Schedule: "@every 1s"})
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sw.Stop()
	if err := sw.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
	waitFor(t, 5*time.Second, func() bool { return f.calls() > 0 })
}

func TestStartRejectsBadSchedule(t *testing.T) {
	sw := sweeper.New(sweeper.Config{Engine: &fakeRefunder{}, Logger: telemetry.Discard(), Schedule: "every so often"})
	if err := sw.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestNextRun(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	next, err := sweeper.NextRun("*/5 * * * *", base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
