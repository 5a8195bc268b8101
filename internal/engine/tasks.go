package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/repo"
	"bountyline/internal/telemetry"
)

type TaskCreateOptions struct {
	Client        string
	Title         string
	Description   string
	Requirements  string
	Category      string
	Bounty        uint64
	DeadlineHours uint32
}

func (o TaskCreateOptions) validate() error {
	if len(o.Title) > MaxTitleLen {
		return domain.ErrTitleTooLong
	}
	if len(o.Description) > MaxDescriptionLen {
		return domain.ErrDescriptionTooLong
	}
	if len(o.Requirements) > MaxRequirementsLen {
		return domain.ErrRequirementsTooLong
	}
	if len(o.Category) > MaxCategoryLen {
		return domain.ErrCategoryTooLong
	}
	if o.Bounty == 0 {
		return domain.ErrInvalidBounty
	}
	if err := ledger.CheckAmount(o.Bounty); err != nil {
		return err
	}
	if o.DeadlineHours < MinDeadlineHours || o.DeadlineHours > MaxDeadlineHours {
		return domain.ErrInvalidDeadline
	}
	return nil
}

// CreateTask funds a new escrow with the bounty and opens the task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := auth.RequireCaller(opts.Client); err != nil {
		return domain.Task{}, err
	}
	if err := opts.validate(); err != nil {
		return domain.Task{}, err
	}
	now := e.unix()
	var t domain.Task
	err := e.run(ctx, "create_task", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := e.Repo.GetPlatformTx(ctx, tx); err != nil {
			return err
		}
		id, err := e.Repo.AllocateTaskID(ctx, tx)
		if err != nil {
			return err
		}
		t = domain.Task{
			ID:            id,
			Address:       ledger.TaskAddress(id),
			EscrowAddress: ledger.EscrowAddress(id),
			Client:        opts.Client,
			Title:         opts.Title,
			Description:   opts.Description,
			Requirements:  opts.Requirements,
			Category:      opts.Category,
			BountyAmount:  opts.Bounty,
			CreatedAt:     now,
			Deadline:      now + int64(opts.DeadlineHours)*3600,
			Status:        domain.TaskOpen,
		}
		if err := e.Ledger.Open(ctx, tx, t.EscrowAddress, ledger.KindEscrow, t.Address); err != nil {
			return err
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		if err := e.Ledger.Transfer(ctx, tx, opts.Client, t.EscrowAddress, opts.Bounty, memo("fund", id)); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.TaskCreated, id, opts.Client, events.EventPayload{
			"task_id":  id,
			"client":   opts.Client,
			"title":    opts.Title,
			"bounty":   opts.Bounty,
			"deadline": t.Deadline,
		}))
	}, telemetry.AttrCaller.String(opts.Client), telemetry.AttrAmount.Int64(int64(opts.Bounty)))
	if err != nil {
		return domain.Task{}, err
	}
	e.tel().Metrics.EscrowMoved(ctx, int64(opts.Bounty))
	return t, nil
}

// SubmitApplication records an agent's entry on an open task.
func (e Engine) SubmitApplication(ctx context.Context, taskID uint64, agent, url, notes string) (domain.Submission, error) {
	if err := auth.RequireCaller(agent); err != nil {
		return domain.Submission{}, err
	}
	if len(url) > MaxURLLen {
		return domain.Submission{}, domain.ErrURLTooLong
	}
	if len(notes) > MaxNotesLen {
		return domain.Submission{}, domain.ErrNotesTooLong
	}
	var s domain.Submission
	err := e.run(ctx, "submit_application", func(ctx context.Context, tx *sql.Tx) error {
		profile, err := e.Repo.GetAgentTx(ctx, tx, agent)
		if err != nil {
			return err
		}
		if !profile.IsActive {
			return domain.ErrAgentNotActive
		}
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskOpen {
			return domain.ErrTaskNotOpen
		}
		now := e.unix()
		if now >= t.Deadline {
			return domain.ErrTaskExpired
		}
		s = domain.Submission{
			Address:     ledger.SubmissionAddress(t.Address, agent),
			TaskID:      taskID,
			Agent:       agent,
			URL:         url,
			Notes:       notes,
			SubmittedAt: now,
			Status:      domain.SubmissionPending,
		}
		if err := e.Repo.InsertSubmission(ctx, tx, s); err != nil {
			return err
		}
		t.SubmissionCount++
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.ApplicationSubmitted, taskID, agent, events.EventPayload{
			"task_id":        taskID,
			"agent":          agent,
			"submission_url": url,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrAgent.String(agent))
	if err != nil {
		return domain.Submission{}, err
	}
	return s, nil
}

// Settlement is the outcome of a winner selection.
type Settlement struct {
	Task       domain.Task       `json:"task"`
	Submission domain.Submission `json:"submission"`
	Payout     uint64            `json:"payout"`
	Fee        uint64            `json:"fee"`
}

// SelectWinner pays the chosen submission out of escrow and completes the
// task. The fee goes to the platform treasury.
func (e Engine) SelectWinner(ctx context.Context, taskID uint64, caller, agent string, rating uint8) (Settlement, error) {
	if rating < MinRating || rating > MaxRating {
		return Settlement{}, domain.ErrInvalidRating
	}
	var out Settlement
	err := e.run(ctx, "select_winner", func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := auth.RequireClient(t, caller); err != nil {
			return err
		}
		if t.Status != domain.TaskOpen {
			return domain.ErrTaskNotOpen
		}
		s, err := e.Repo.GetSubmissionTx(ctx, tx, taskID, agent)
		if err != nil {
			return err
		}
		if s.Status != domain.SubmissionPending {
			return domain.ErrSubmissionNotPending
		}
		if err := ensureTaskTransition(t.Status, domain.TaskCompleted); err != nil {
			return err
		}
		p, err := e.Repo.GetPlatformTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := e.assertEscrow(ctx, tx, t); err != nil {
			return err
		}
		payout, fee, err := ledger.ComputeSplit(t.BountyAmount, p.FeeBps)
		if err != nil {
			return err
		}
		if payout > 0 {
			if err := e.Ledger.Transfer(ctx, tx, t.EscrowAddress, agent, payout, memo("payout", taskID)); err != nil {
				return err
			}
		}
		if fee > 0 {
			if err := e.Ledger.Transfer(ctx, tx, t.EscrowAddress, p.Treasury, fee, memo("fee", taskID)); err != nil {
				return err
			}
		}

		s.Status = domain.SubmissionSelected
		if err := e.Repo.SetSubmissionStatus(ctx, tx, s.Address, s.Status); err != nil {
			return err
		}
		if _, err := e.Repo.MarkOtherSubmissions(ctx, tx, taskID, s.Address, domain.SubmissionNotSelected); err != nil {
			return err
		}
		completed := e.unix()
		winner := s.Address
		t.Status = domain.TaskCompleted
		t.WinningSubmission = &winner
		t.CompletedAt = &completed
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}

		profile, err := e.Repo.GetAgentTx(ctx, tx, agent)
		if err != nil {
			return err
		}
		profile.TasksCompleted++
		if profile.TotalEarned, err = ledger.CheckedAdd(profile.TotalEarned, payout); err != nil {
			return err
		}
		if profile.RatingSum, err = ledger.CheckedAdd(profile.RatingSum, uint64(rating)); err != nil {
			return err
		}
		profile.RatingCount++
		if err := e.Repo.UpdateAgent(ctx, tx, profile); err != nil {
			return err
		}

		p.TotalCompleted++
		if p.TotalVolume, err = ledger.CheckedAdd(p.TotalVolume, t.BountyAmount); err != nil {
			return err
		}
		if err := e.Repo.UpdatePlatformStats(ctx, tx, p); err != nil {
			return err
		}

		out = Settlement{Task: t, Submission: s, Payout: payout, Fee: fee}
		return e.Events.Append(ctx, tx, events.ForTask(events.WinnerSelected, taskID, caller, events.EventPayload{
			"task_id": taskID,
			"agent":   agent,
			"payout":  payout,
			"fee":     fee,
			"rating":  rating,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrCaller.String(caller), telemetry.AttrAgent.String(agent))
	if err != nil {
		return Settlement{}, err
	}
	m := e.tel().Metrics
	m.EscrowMoved(ctx, -int64(out.Task.BountyAmount))
	m.FeeCollected(ctx, out.Fee)
	return out, nil
}

// CancelTask refunds the bounty to the client. Only tasks nobody has
// submitted to can be cancelled.
func (e Engine) CancelTask(ctx context.Context, taskID uint64, caller string) (domain.Task, error) {
	var t domain.Task
	err := e.run(ctx, "cancel_task", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := auth.RequireClient(t, caller); err != nil {
			return err
		}
		if t.Status != domain.TaskOpen {
			return domain.ErrCannotCancel
		}
		if t.SubmissionCount > 0 {
			return domain.ErrHasSubmissions
		}
		if err := e.refund(ctx, tx, &t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.TaskCancelled, taskID, caller, events.EventPayload{
			"task_id": taskID,
			"refund":  t.BountyAmount,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrCaller.String(caller))
	if err != nil {
		return domain.Task{}, err
	}
	e.recordRefund(ctx, t)
	return t, nil
}

// RaiseDispute flags an open task that has submissions. Nothing moves a
// task out of Disputed; its escrow stays locked.
func (e Engine) RaiseDispute(ctx context.Context, taskID uint64, caller string) (domain.Task, error) {
	var t domain.Task
	err := e.run(ctx, "raise_dispute", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		has, err := e.hasSubmission(ctx, tx, taskID, caller)
		if err != nil {
			return err
		}
		if err := auth.RequireParticipant(t, caller, has); err != nil {
			return err
		}
		if t.Status != domain.TaskOpen {
			return domain.ErrTaskNotOpen
		}
		if t.SubmissionCount == 0 {
			return domain.ErrNoSubmissions
		}
		if err := ensureTaskTransition(t.Status, domain.TaskDisputed); err != nil {
			return err
		}
		raiser := caller
		t.Status = domain.TaskDisputed
		t.DisputeRaisedBy = &raiser
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.DisputeRaised, taskID, caller, events.EventPayload{
			"task_id":   taskID,
			"raised_by": caller,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrCaller.String(caller))
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AutoRefundExpired returns the bounty of an abandoned task to its client
// once the grace period after the deadline has passed. Anyone may call it.
func (e Engine) AutoRefundExpired(ctx context.Context, taskID uint64, caller string) (domain.Task, error) {
	if err := auth.RequireCaller(caller); err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	err := e.run(ctx, "auto_refund", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskOpen {
			return domain.ErrTaskNotOpen
		}
		if e.unix() <= t.Deadline+int64(RefundGrace/time.Second) {
			return domain.ErrGracePeriodNotElapsed
		}
		if err := e.refund(ctx, tx, &t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.AutoRefunded, taskID, caller, events.EventPayload{
			"task_id": taskID,
			"refund":  t.BountyAmount,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrCaller.String(caller))
	if err != nil {
		return domain.Task{}, err
	}
	e.recordRefund(ctx, t)
	return t, nil
}

// refund drains the escrow back to the client and cancels t.
func (e Engine) refund(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	if err := ensureTaskTransition(t.Status, domain.TaskCancelled); err != nil {
		return err
	}
	if err := e.assertEscrow(ctx, tx, *t); err != nil {
		return err
	}
	if err := e.Ledger.Transfer(ctx, tx, t.EscrowAddress, t.Client, t.BountyAmount, memo("refund", t.ID)); err != nil {
		return err
	}
	t.Status = domain.TaskCancelled
	return e.Repo.UpdateTask(ctx, tx, *t)
}

func (e Engine) recordRefund(ctx context.Context, t domain.Task) {
	e.tel().Metrics.Refunded(ctx, t.BountyAmount)
}

// assertEscrow checks that the escrow still holds exactly the bounty.
func (e Engine) assertEscrow(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	bal, err := e.Ledger.BalanceTx(ctx, tx, t.EscrowAddress)
	if err != nil {
		return err
	}
	if bal != t.BountyAmount {
		return domain.ErrEscrowMismatch.WithMessage("task %d escrow holds %d, bounty is %d", t.ID, bal, t.BountyAmount)
	}
	return nil
}

func (e Engine) hasSubmission(ctx context.Context, tx *sql.Tx, taskID uint64, agent string) (bool, error) {
	if agent == "" {
		return false, nil
	}
	_, err := e.Repo.GetSubmissionTx(ctx, tx, taskID, agent)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func memo(kind string, taskID uint64) string {
	return kind + " task " + strconv.FormatUint(taskID, 10)
}

// --- queries ---

func (e Engine) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) GetSubmission(ctx context.Context, taskID uint64, agent string) (domain.Submission, error) {
	return e.Repo.GetSubmission(ctx, taskID, agent)
}

func (e Engine) ListSubmissions(ctx context.Context, taskID uint64) ([]domain.Submission, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubmissions(ctx, taskID)
}

// RefundableTasks lists open tasks whose grace period has elapsed.
func (e Engine) RefundableTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	cutoff := e.now().Add(-RefundGrace).Unix()
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		Status:         string(domain.TaskOpen),
		DeadlineBefore: cutoff,
		Limit:          limit,
	})
}
