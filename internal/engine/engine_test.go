package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/telemetry"
)

const (
	operator = "operator"
	client   = "client-1"
	agentA   = "agent-a"
	agentB   = "agent-b"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default()).WithClock(func() time.Time { return now })
	env := testEnv{Engine: eng, Ctx: context.Background(), now: &now}
	if _, err := eng.InitPlatform(env.Ctx, operator, "", 250); err != nil {
		t.Fatalf("init platform: %v", err)
	}
	if _, err := eng.Deposit(env.Ctx, operator, client, 100_000_000); err != nil {
		t.Fatalf("fund client: %v", err)
	}
	for _, a := range []string{agentA, agentB} {
		if _, err := eng.RegisterAgent(env.Ctx, a, a, "", []string{"go"}, 100); err != nil {
			t.Fatalf("register %s: %v", a, err)
		}
	}
	return env
}

func (env testEnv) createTask(t *testing.T, bounty uint64, hours uint32) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Client:        client,
		Title:         "Summarize the paper",
		Description:   "One page, plain text.",
		Bounty:        bounty,
		DeadlineHours: hours,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) submit(t *testing.T, taskID uint64, agent string) domain.Submission {
	t.Helper()
	s, err := env.Engine.SubmitApplication(env.Ctx, taskID, agent, "https://example.com/"+agent, "")
	if err != nil {
		t.Fatalf("submit %s: %v", agent, err)
	}
	return s
}

func (env testEnv) balance(t *testing.T, addr string) uint64 {
	t.Helper()
	bal, err := env.Engine.Ledger.Balance(env.Ctx, addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr, err)
	}
	return bal
}

func expectCode(t *testing.T, err error, want *domain.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

func TestHappyPathSettlesWithFee(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 1_000_000, 24)
	if task.Status != domain.TaskOpen || task.Deadline != task.CreatedAt+24*3600 {
		t.Fatalf("unexpected new task %+v", task)
	}
	if got := env.balance(t, task.EscrowAddress); got != 1_000_000 {
		t.Fatalf("escrow = %d, want funded bounty", got)
	}
	sub := env.submit(t, task.ID, agentA)

	res, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 5)
	if err != nil {
		t.Fatalf("select winner: %v", err)
	}
	if res.Fee != 25_000 || res.Payout != 975_000 {
		t.Fatalf("split = %d/%d, want 975000/25000", res.Payout, res.Fee)
	}
	if res.Task.Status != domain.TaskCompleted || res.Task.WinningSubmission == nil || *res.Task.WinningSubmission != sub.Address {
		t.Fatalf("task not completed with winner: %+v", res.Task)
	}
	if env.balance(t, task.EscrowAddress) != 0 {
		t.Fatalf("escrow not drained")
	}
	if env.balance(t, agentA) != 975_000 || env.balance(t, operator) != 25_000 {
		t.Fatalf("payout not delivered")
	}

	a, err := env.Engine.GetAgent(env.Ctx, agentA)
	if err != nil {
		t.Fatal(err)
	}
	if a.TasksCompleted != 1 || a.TotalEarned != 975_000 || a.RatingSum != 5 || a.RatingCount != 1 || a.AverageRating() != 5 {
		t.Fatalf("agent stats not updated: %+v", a)
	}
	p, err := env.Engine.GetPlatform(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalCompleted != 1 || p.TotalVolume != 1_000_000 || p.TotalTasks != 1 {
		t.Fatalf("platform stats not updated: %+v", p)
	}
	got, err := env.Engine.GetSubmission(env.Ctx, task.ID, agentA)
	if err != nil || got.Status != domain.SubmissionSelected {
		t.Fatalf("submission not selected: %+v %v", got, err)
	}
}

func TestCancelBlockedAfterSubmission(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 5000, 24)
	env.submit(t, task.ID, agentA)

	_, err := env.Engine.CancelTask(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrHasSubmissions)
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskOpen || env.balance(t, task.EscrowAddress) != 5000 {
		t.Fatalf("failed cancel changed state: %+v", got)
	}
}

func TestCancelRefundsClient(t *testing.T) {
	env := newTestEnv(t)
	before := env.balance(t, client)
	task := env.createTask(t, 5000, 24)
	if env.balance(t, client) != before-5000 {
		t.Fatalf("client not debited")
	}
	_, err := env.Engine.CancelTask(env.Ctx, task.ID, agentA)
	expectCode(t, err, domain.ErrNotClient)

	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, client)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TaskCancelled || env.balance(t, client) != before || env.balance(t, task.EscrowAddress) != 0 {
		t.Fatalf("refund incomplete: %+v", cancelled)
	}
	_, err = env.Engine.CancelTask(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrCannotCancel)
}

func TestSubmitAfterDeadlineIsRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 1000, 1)
	env.advance(time.Hour + time.Second)

	_, err := env.Engine.SubmitApplication(env.Ctx, task.ID, agentA, "https://example.com", "")
	expectCode(t, err, domain.ErrTaskExpired)
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.SubmissionCount != 0 {
		t.Fatalf("submission counted after rejection")
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 1000, 24)

	_, err := env.Engine.RequestExtension(env.Ctx, task.ID, agentA, 48)
	expectCode(t, err, domain.ErrNotSubmitter)
	env.submit(t, task.ID, agentA)
	_, err = env.Engine.RequestExtension(env.Ctx, task.ID, agentA, 169)
	expectCode(t, err, domain.ErrInvalidExtension)
	_, err = env.Engine.ApproveExtension(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrNoExtensionPending)

	req, err := env.Engine.RequestExtension(env.Ctx, task.ID, agentA, 48)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !req.ExtensionRequested || req.ExtensionHours != 48 {
		t.Fatalf("request not recorded: %+v", req)
	}
	_, err = env.Engine.RequestExtension(env.Ctx, task.ID, agentA, 12)
	expectCode(t, err, domain.ErrExtensionAlreadyRequested)
	_, err = env.Engine.ApproveExtension(env.Ctx, task.ID, agentA)
	expectCode(t, err, domain.ErrNotClient)

	approved, err := env.Engine.ApproveExtension(env.Ctx, task.ID, client)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Deadline != task.Deadline+48*3600 || approved.ExtensionRequested {
		t.Fatalf("deadline %d, want %d; pending=%v", approved.Deadline, task.Deadline+48*3600, approved.ExtensionRequested)
	}

	if _, err := env.Engine.RequestExtension(env.Ctx, task.ID, agentA, 10); err != nil {
		t.Fatalf("second request: %v", err)
	}
	denied, err := env.Engine.DenyExtension(env.Ctx, task.ID, client)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.Deadline != approved.Deadline || denied.ExtensionRequested {
		t.Fatalf("deny changed deadline or left request pending: %+v", denied)
	}
}

func TestAutoRefundAfterGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	before := env.balance(t, client)
	task := env.createTask(t, 7777, 1)

	env.advance(time.Hour + engine.RefundGrace)
	_, err := env.Engine.AutoRefundExpired(env.Ctx, task.ID, "stranger")
	expectCode(t, err, domain.ErrGracePeriodNotElapsed)
	due, err := env.Engine.RefundableTasks(env.Ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("task refundable at the grace boundary: %v %v", due, err)
	}

	env.advance(time.Second)
	due, err = env.Engine.RefundableTasks(env.Ctx, 10)
	if err != nil || len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("refundable = %v, %v", due, err)
	}
	refunded, err := env.Engine.AutoRefundExpired(env.Ctx, task.ID, "stranger")
	if err != nil {
		t.Fatalf("auto refund: %v", err)
	}
	if refunded.Status != domain.TaskCancelled || env.balance(t, task.EscrowAddress) != 0 || env.balance(t, client) != before {
		t.Fatalf("refund incomplete: %+v", refunded)
	}
	_, err = env.Engine.AutoRefundExpired(env.Ctx, task.ID, "stranger")
	expectCode(t, err, domain.ErrTaskNotOpen)
}

func TestSingleWinnerAndMonotoneLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 10_000, 24)
	env.submit(t, task.ID, agentA)
	env.submit(t, task.ID, agentB)

	if _, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 4); err != nil {
		t.Fatalf("select: %v", err)
	}
	_, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agentB, 4)
	expectCode(t, err, domain.ErrTaskNotOpen)
	_, err = env.Engine.CancelTask(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrCannotCancel)
	_, err = env.Engine.RaiseDispute(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrTaskNotOpen)
	env.advance(30 * 24 * time.Hour)
	_, err = env.Engine.AutoRefundExpired(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrTaskNotOpen)

	subs, err := env.Engine.ListSubmissions(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	selected := 0
	for _, s := range subs {
		switch s.Status {
		case domain.SubmissionSelected:
			selected++
		case domain.SubmissionNotSelected:
			if s.Agent != agentB {
				t.Fatalf("unexpected not-selected submission %+v", s)
			}
		default:
			t.Fatalf("submission left pending: %+v", s)
		}
	}
	if selected != 1 {
		t.Fatalf("selected = %d, want exactly one", selected)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestSelectWinnerGuards(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 10_000, 24)
	env.submit(t, task.ID, agentA)

	_, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 0)
	expectCode(t, err, domain.ErrInvalidRating)
	_, err = env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 6)
	expectCode(t, err, domain.ErrInvalidRating)
	_, err = env.Engine.SelectWinner(env.Ctx, task.ID, agentA, agentA, 5)
	expectCode(t, err, domain.ErrNotClient)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Required != "client" {
		t.Fatalf("expected forbidden error naming client, got %#v", err)
	}
	_, err = env.Engine.SelectWinner(env.Ctx, task.ID, client, agentB, 5)
	expectCode(t, err, domain.ErrNotFound)
	if env.balance(t, task.EscrowAddress) != 10_000 {
		t.Fatalf("rejected selection moved funds")
	}
}

func TestSubmissionUniqueness(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 1000, 24)
	env.submit(t, task.ID, agentA)
	_, err := env.Engine.SubmitApplication(env.Ctx, task.ID, agentA, "https://example.com/again", "")
	expectCode(t, err, domain.ErrAlreadySubmitted)
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.SubmissionCount != 1 {
		t.Fatalf("submission_count = %d, want 1", got.SubmissionCount)
	}
	subs, _ := env.Engine.ListSubmissions(env.Ctx, task.ID)
	if len(subs) != 1 {
		t.Fatalf("submissions = %d", len(subs))
	}
}

func TestFeeConservation(t *testing.T) {
	env := newTestEnv(t)
	fees := []uint16{0, 1, 250, 3333, 9999, 10000}
	bounties := []uint64{1, 7, 999, 1_000_000, 12_345_679}
	for _, bps := range fees {
		if _, err := env.Engine.SetFee(env.Ctx, operator, bps); err != nil {
			t.Fatalf("set fee %d: %v", bps, err)
		}
		for _, bounty := range bounties {
			task := env.createTask(t, bounty, 24)
			env.submit(t, task.ID, agentA)
			res, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 3)
			if err != nil {
				t.Fatalf("bps=%d bounty=%d: %v", bps, bounty, err)
			}
			if res.Payout+res.Fee != bounty {
				t.Fatalf("bps=%d bounty=%d: payout %d + fee %d != bounty", bps, bounty, res.Payout, res.Fee)
			}
			if want := bounty * uint64(bps) / 10000; res.Fee != want {
				t.Fatalf("bps=%d bounty=%d: fee %d, want %d", bps, bounty, res.Fee, want)
			}
			if env.balance(t, task.EscrowAddress) != 0 {
				t.Fatalf("bps=%d bounty=%d: escrow not drained", bps, bounty)
			}
		}
	}
	supply, err := env.Engine.Ledger.Supply(env.Ctx)
	if err != nil || supply != 100_000_000 {
		t.Fatalf("supply = %d (%v), transfers must conserve it", supply, err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.TaskCreateOptions{Client: client, Title: "t", Bounty: 10, DeadlineHours: 1}
	cases := []struct {
		name string
		edit func(o *engine.TaskCreateOptions)
		want *domain.Error
	}{
		{"title", func(o *engine.TaskCreateOptions) { o.Title = strings.Repeat("x", 101) }, domain.ErrTitleTooLong},
		{"description", func(o *engine.TaskCreateOptions) { o.Description = strings.Repeat("x", 2001) }, domain.ErrDescriptionTooLong},
		{"requirements", func(o *engine.TaskCreateOptions) { o.Requirements = strings.Repeat("x", 1001) }, domain.ErrRequirementsTooLong},
		{"category", func(o *engine.TaskCreateOptions) { o.Category = strings.Repeat("x", 33) }, domain.ErrCategoryTooLong},
		{"zero bounty", func(o *engine.TaskCreateOptions) { o.Bounty = 0 }, domain.ErrInvalidBounty},
		{"huge bounty", func(o *engine.TaskCreateOptions) { o.Bounty = ledger.MaxAmount + 1 }, domain.ErrInvalidAmount},
		{"zero hours", func(o *engine.TaskCreateOptions) { o.DeadlineHours = 0 }, domain.ErrInvalidDeadline},
		{"too many hours", func(o *engine.TaskCreateOptions) { o.DeadlineHours = 721 }, domain.ErrInvalidDeadline},
		{"unfunded", func(o *engine.TaskCreateOptions) { o.Client = "broke" }, domain.ErrInsufficientFunds},
		{"anonymous", func(o *engine.TaskCreateOptions) { o.Client = "" }, domain.ErrUnauthorized},
	}
	for _, tc := range cases {
		opts := base
		tc.edit(&opts)
		_, err := env.Engine.CreateTask(env.Ctx, opts)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.want.Code, err)
		}
	}
	p, _ := env.Engine.GetPlatform(env.Ctx)
	if p.TotalTasks != 0 {
		t.Fatalf("failed creates allocated ids: total_tasks=%d", p.TotalTasks)
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(tasks) != 0 {
		t.Fatalf("failed creates left tasks behind: %d", len(tasks))
	}

	opts := base
	opts.Title = strings.Repeat("x", 100)
	opts.DeadlineHours = 720
	if _, err := env.Engine.CreateTask(env.Ctx, opts); err != nil {
		t.Fatalf("boundary values rejected: %v", err)
	}
}

func TestTaskIDsComeFromPlatformCounter(t *testing.T) {
	env := newTestEnv(t)
	first := env.createTask(t, 10, 1)
	second := env.createTask(t, 10, 1)
	if first.ID != 0 || second.ID != 1 {
		t.Fatalf("ids = %d, %d; want 0, 1", first.ID, second.ID)
	}
	if first.EscrowAddress != ledger.EscrowAddress(0) || first.Address != ledger.TaskAddress(0) {
		t.Fatalf("addresses not derived from id")
	}
	p, _ := env.Engine.GetPlatform(env.Ctx)
	if p.TotalTasks != 2 {
		t.Fatalf("total_tasks = %d", p.TotalTasks)
	}
}

func TestMessaging(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 1000, 24)

	_, err := env.Engine.SendMessage(env.Ctx, task.ID, agentA, "hello")
	expectCode(t, err, domain.ErrNotParticipant)
	_, err = env.Engine.SendMessage(env.Ctx, task.ID, client, "")
	expectCode(t, err, domain.ErrMessageEmpty)
	_, err = env.Engine.SendMessage(env.Ctx, task.ID, client, strings.Repeat("x", 501))
	expectCode(t, err, domain.ErrMessageTooLong)

	first, err := env.Engine.SendMessage(env.Ctx, task.ID, client, "any questions?")
	if err != nil {
		t.Fatalf("client message: %v", err)
	}
	env.submit(t, task.ID, agentA)
	second, err := env.Engine.SendMessage(env.Ctx, task.ID, agentA, strings.Repeat("y", 500))
	if err != nil {
		t.Fatalf("agent message: %v", err)
	}
	if first.ID != 0 || second.ID != 1 || first.Address == second.Address {
		t.Fatalf("message ids %d, %d", first.ID, second.ID)
	}
	msgs, err := env.Engine.ListMessages(env.Ctx, task.ID)
	if err != nil || len(msgs) != 2 || msgs[0].Sender != client || msgs[1].Sender != agentA {
		t.Fatalf("messages = %+v, %v", msgs, err)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.MessageCount != 2 {
		t.Fatalf("message_count = %d", got.MessageCount)
	}
}

func TestDisputeIsDeadEnd(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 4200, 1)

	_, err := env.Engine.RaiseDispute(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrNoSubmissions)
	env.submit(t, task.ID, agentA)
	_, err = env.Engine.RaiseDispute(env.Ctx, task.ID, agentB)
	expectCode(t, err, domain.ErrNotParticipant)

	disputed, err := env.Engine.RaiseDispute(env.Ctx, task.ID, agentA)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != domain.TaskDisputed || disputed.DisputeRaisedBy == nil || *disputed.DisputeRaisedBy != agentA {
		t.Fatalf("dispute not recorded: %+v", disputed)
	}
	_, err = env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 5)
	expectCode(t, err, domain.ErrTaskNotOpen)
	env.advance(engine.RefundGrace + 2*time.Hour)
	_, err = env.Engine.AutoRefundExpired(env.Ctx, task.ID, client)
	expectCode(t, err, domain.ErrTaskNotOpen)
	if env.balance(t, task.EscrowAddress) != 4200 {
		t.Fatalf("disputed escrow moved")
	}
}

func TestAgentRegistry(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, agentA, "again", "", nil, 0)
	expectCode(t, err, domain.ErrAgentAlreadyRegistered)
	_, err = env.Engine.RegisterAgent(env.Ctx, "carol", strings.Repeat("n", 33), "", nil, 0)
	expectCode(t, err, domain.ErrNameTooLong)
	_, err = env.Engine.RegisterAgent(env.Ctx, "carol", "carol", strings.Repeat("b", 501), nil, 0)
	expectCode(t, err, domain.ErrBioTooLong)
	_, err = env.Engine.RegisterAgent(env.Ctx, "carol", "carol", "", make([]string, 11), 0)
	expectCode(t, err, domain.ErrTooManySkills)
	_, err = env.Engine.RegisterAgent(env.Ctx, "carol", "carol", "", []string{strings.Repeat("s", 33)}, 0)
	expectCode(t, err, domain.ErrSkillTooLong)

	carol, err := env.Engine.RegisterAgent(env.Ctx, "carol", "carol", "writes docs", nil, 50)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !carol.IsActive || carol.TasksCompleted != 0 || carol.Address != ledger.AgentAddress("carol") {
		t.Fatalf("unexpected profile %+v", carol)
	}

	name := "Carol"
	updated, err := env.Engine.UpdateAgent(env.Ctx, "carol", engine.AgentUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Carol" || updated.Bio != "writes docs" || updated.HourlyRate != 50 {
		t.Fatalf("update touched omitted fields: %+v", updated)
	}
	long := strings.Repeat("b", 501)
	_, err = env.Engine.UpdateAgent(env.Ctx, "carol", engine.AgentUpdate{Bio: &long})
	expectCode(t, err, domain.ErrBioTooLong)
	_, err = env.Engine.UpdateAgent(env.Ctx, "dave", engine.AgentUpdate{Name: &name})
	expectCode(t, err, domain.ErrAgentNotRegistered)

	task := env.createTask(t, 100, 24)
	_, err = env.Engine.SubmitApplication(env.Ctx, task.ID, "dave", "https://example.com", "")
	expectCode(t, err, domain.ErrAgentNotRegistered)
	inactive := false
	if _, err := env.Engine.UpdateAgent(env.Ctx, "carol", engine.AgentUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = env.Engine.SubmitApplication(env.Ctx, task.ID, "carol", "https://example.com", "")
	expectCode(t, err, domain.ErrAgentNotActive)
	_, err = env.Engine.SubmitApplication(env.Ctx, task.ID, agentA, strings.Repeat("u", 501), "")
	expectCode(t, err, domain.ErrURLTooLong)
	_, err = env.Engine.SubmitApplication(env.Ctx, task.ID, agentA, "https://example.com", strings.Repeat("n", 1001))
	expectCode(t, err, domain.ErrNotesTooLong)
}

func TestPlatformAdministration(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitPlatform(env.Ctx, operator, "", 100)
	expectCode(t, err, domain.ErrPlatformAlreadyInitialized)
	_, err = env.Engine.SetFee(env.Ctx, client, 100)
	expectCode(t, err, domain.ErrNotAuthority)
	_, err = env.Engine.SetFee(env.Ctx, operator, 10001)
	expectCode(t, err, domain.ErrInvalidFee)
	_, err = env.Engine.Deposit(env.Ctx, client, client, 10)
	expectCode(t, err, domain.ErrNotAuthority)

	p, err := env.Engine.SetFee(env.Ctx, operator, 500)
	if err != nil || p.FeeBps != 500 {
		t.Fatalf("set fee: %+v %v", p, err)
	}
	if p.Treasury != operator {
		t.Fatalf("treasury should default to authority, got %q", p.Treasury)
	}
}

func TestOperationsRequirePlatform(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, config.Default())
	_, err = eng.CreateTask(context.Background(), engine.TaskCreateOptions{Client: client, Title: "t", Bounty: 1, DeadlineHours: 1})
	expectCode(t, err, domain.ErrPlatformNotInitialized)
}

func TestEventsFollowTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 1000, 24)
	env.submit(t, task.ID, agentA)
	if _, err := env.Engine.SendMessage(env.Ctx, task.ID, client, "thanks"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agentA, 5); err != nil {
		t.Fatal(err)
	}
	// a rejected call must not leave an event behind
	_, _ = env.Engine.CancelTask(env.Ctx, task.ID, client)

	id := task.ID
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, repo.EventFilters{TaskID: &id})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{events.TaskCreated, events.ApplicationSubmitted, events.MessageSent, events.WinnerSelected}
	if len(evts) != len(want) {
		t.Fatalf("events = %d, want %d", len(evts), len(want))
	}
	for i, e := range evts {
		if e.Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, e.Type, want[i])
		}
	}
	if !strings.Contains(evts[3].Payload, `"payout":975`) {
		t.Fatalf("winner payload missing payout: %s", evts[3].Payload)
	}
}

func TestConcurrentSelectWinnerSettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, 40_000, 24)
	env.submit(t, task.ID, agentA)
	env.submit(t, task.ID, agentB)
	paidBefore := env.balance(t, agentA) + env.balance(t, agentB)

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < racers; i++ {
		agent := agentA
		if i%2 == 1 {
			agent = agentB
		}
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := env.Engine.SelectWinner(env.Ctx, task.ID, client, agent, 5)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}(agent)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want 1 (failures %v)", successes, failures)
	}
	for _, err := range failures {
		if !errors.Is(err, domain.ErrTaskNotOpen) {
			t.Fatalf("losing select failed with %v, want TaskNotOpen", err)
		}
	}
	if bal := env.balance(t, task.EscrowAddress); bal != 0 {
		t.Fatalf("escrow = %d after settlement", bal)
	}
	payout, fee, err := ledger.ComputeSplit(40_000, 250)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.balance(t, agentA) + env.balance(t, agentB) - paidBefore; got != payout {
		t.Fatalf("agents received %d, want exactly one payout of %d", got, payout)
	}
	p, err := env.Engine.GetPlatform(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalCompleted != 1 || p.TotalVolume != 40_000 || env.balance(t, p.Treasury) != fee {
		t.Fatalf("platform counted the settlement more than once: %+v", p)
	}
}

func TestConcurrentAutoRefundRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	before := env.balance(t, client)
	task := env.createTask(t, 9_000, 1)
	env.advance(time.Hour + engine.RefundGrace + time.Second)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.AutoRefundExpired(env.Ctx, task.ID, "stranger")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case !errors.Is(err, domain.ErrTaskNotOpen):
				t.Errorf("losing refund failed with %v, want TaskNotOpen", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
	if env.balance(t, task.EscrowAddress) != 0 || env.balance(t, client) != before {
		t.Fatalf("refund not applied exactly once: client %d want %d", env.balance(t, client), before)
	}
	refunds, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, repo.EventFilters{Type: events.AutoRefunded})
	if err != nil || len(refunds) != 1 {
		t.Fatalf("AutoRefunded events = %d, %v", len(refunds), err)
	}
}

func TestSelectWinnerRejectsStoredFeeAboveFull(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	eng := engine.New(conn, config.Default())
	if _, err := eng.InitPlatform(ctx, operator, "", 10001); err != nil {
		t.Fatalf("init platform: %v", err)
	}
	if _, err := eng.Deposit(ctx, operator, client, 1_000); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RegisterAgent(ctx, agentA, agentA, "", nil, 0); err != nil {
		t.Fatal(err)
	}
	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Client: client, Title: "t", Bounty: 1_000, DeadlineHours: 24})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SubmitApplication(ctx, task.ID, agentA, "https://example.com/a", ""); err != nil {
		t.Fatal(err)
	}

	_, err = eng.SelectWinner(ctx, task.ID, client, agentA, 5)
	expectCode(t, err, domain.ErrInvalidFee)
	got, err := eng.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	escrow, err := eng.Ledger.Balance(ctx, task.EscrowAddress)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskOpen || escrow != 1_000 {
		t.Fatalf("failed settlement moved state: status %s escrow %d", got.Status, escrow)
	}
}

func TestDepositValidatesAmountBeforeTracing(t *testing.T) {
	env := newTestEnv(t)
	recorder := tracetest.NewSpanRecorder()
	tel := telemetry.Noop()
	tel.Tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer(telemetry.ScopeName)
	eng := env.Engine
	eng.Telemetry = tel

	_, err := eng.Deposit(env.Ctx, operator, client, ledger.MaxAmount+1)
	expectCode(t, err, domain.ErrInvalidAmount)
	if spans := recorder.Ended(); len(spans) != 0 {
		t.Fatalf("rejected deposit opened %d spans", len(spans))
	}

	if _, err := eng.Deposit(env.Ctx, operator, client, 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "engine.deposit" {
		t.Fatalf("unexpected spans %d", len(spans))
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == telemetry.AttrAmount {
			found = true
			if kv.Value.AsInt64() != 500 {
				t.Fatalf("amount attribute = %d", kv.Value.AsInt64())
			}
		}
	}
	if !found {
		t.Fatalf("deposit span has no amount attribute")
	}
}
