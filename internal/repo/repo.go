package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"bountyline/internal/db"
	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

func (r Repo) q(tx *sql.Tx) db.Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- platform ---

func (r Repo) InsertPlatform(ctx context.Context, tx *sql.Tx, p domain.Platform) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO platform(id,address,authority,treasury,fee_bps,total_tasks,total_completed,total_volume,created_at) VALUES (1,?,?,?,?,?,?,?,?)`,
		p.Address, p.Authority, p.Treasury, int64(p.FeeBps), int64(p.TotalTasks), int64(p.TotalCompleted), int64(p.TotalVolume), p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return domain.ErrPlatformAlreadyInitialized
	}
	return err
}

func (r Repo) GetPlatform(ctx context.Context) (domain.Platform, error) {
	return r.GetPlatformTx(ctx, nil)
}

func (r Repo) GetPlatformTx(ctx context.Context, tx *sql.Tx) (domain.Platform, error) {
	var (
		p                             domain.Platform
		fee, total, completed, volume int64
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT address,authority,treasury,fee_bps,total_tasks,total_completed,total_volume,created_at FROM platform WHERE id=1`).
		Scan(&p.Address, &p.Authority, &p.Treasury, &fee, &total, &completed, &volume, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, domain.ErrPlatformNotInitialized
	}
	if err != nil {
		return p, err
	}
	p.FeeBps = uint16(fee)
	p.TotalTasks = uint64(total)
	p.TotalCompleted = uint64(completed)
	p.TotalVolume = uint64(volume)
	return p, nil
}

func (r Repo) UpdatePlatformFee(ctx context.Context, tx *sql.Tx, feeBps uint16) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE platform SET fee_bps=? WHERE id=1`, int64(feeBps))
	return err
}

func (r Repo) UpdatePlatformStats(ctx context.Context, tx *sql.Tx, p domain.Platform) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE platform SET total_completed=?, total_volume=? WHERE id=1`,
		int64(p.TotalCompleted), int64(p.TotalVolume))
	return err
}

// AllocateTaskID returns the current platform task counter as the next
// sequence id and bumps the counter. It is the only source of task ids.
func (r Repo) AllocateTaskID(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `UPDATE platform SET total_tasks=total_tasks+1 WHERE id=1 RETURNING total_tasks`).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, domain.ErrPlatformNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("allocate task id: %w", err)
	}
	return uint64(next - 1), nil
}

// --- agents ---

const agentColumns = `address,owner,name,bio,skills_json,hourly_rate,tasks_completed,tasks_failed,total_earned,rating_sum,rating_count,registered_at,is_active`

func scanAgent(row interface{ Scan(...any) error }) (domain.AgentProfile, error) {
	var (
		a                                      domain.AgentProfile
		skills                                 string
		rate, done, failed, earned, sum, count int64
		active                                 int
	)
	if err := row.Scan(&a.Address, &a.Owner, &a.Name, &a.Bio, &skills, &rate, &done, &failed, &earned, &sum, &count, &a.RegisteredAt, &active); err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(skills), &a.Skills); err != nil {
		return a, fmt.Errorf("decode skills: %w", err)
	}
	if a.Skills == nil {
		a.Skills = []string{}
	}
	a.HourlyRate = uint64(rate)
	a.TasksCompleted = uint64(done)
	a.TasksFailed = uint64(failed)
	a.TotalEarned = uint64(earned)
	a.RatingSum = uint64(sum)
	a.RatingCount = uint64(count)
	a.IsActive = active == 1
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.AgentProfile) error {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Address, a.Owner, a.Name, a.Bio, string(skills), int64(a.HourlyRate), int64(a.TasksCompleted), int64(a.TasksFailed),
		int64(a.TotalEarned), int64(a.RatingSum), int64(a.RatingCount), a.RegisteredAt, boolInt(a.IsActive))
	if db.IsUniqueViolation(err) {
		return domain.ErrAgentAlreadyRegistered.WithMessage("agent for %s already registered", a.Owner)
	}
	return err
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.AgentProfile) error {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET name=?,bio=?,skills_json=?,hourly_rate=?,tasks_completed=?,tasks_failed=?,total_earned=?,rating_sum=?,rating_count=?,is_active=? WHERE address=?`,
		a.Name, a.Bio, string(skills), int64(a.HourlyRate), int64(a.TasksCompleted), int64(a.TasksFailed),
		int64(a.TotalEarned), int64(a.RatingSum), int64(a.RatingCount), boolInt(a.IsActive), a.Address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgent looks up an agent profile by the owner identity.
func (r Repo) GetAgent(ctx context.Context, owner string) (domain.AgentProfile, error) {
	return r.GetAgentTx(ctx, nil, owner)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, owner string) (domain.AgentProfile, error) {
	a, err := scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner=?`, owner))
	if err == sql.ErrNoRows {
		return a, domain.ErrAgentNotRegistered.WithMessage("no agent profile for %s", owner)
	}
	return a, err
}

// --- tasks ---

const taskColumns = `id,address,escrow_address,client,title,COALESCE(description,''),COALESCE(requirements,''),COALESCE(category,''),bounty_amount,created_at,deadline,status,submission_count,message_count,extension_requested,extension_hours,dispute_raised_by,winning_submission,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                                domain.Task
		id, bounty, subs, msgs, extHours int64
		status                           string
		extReq                           int
		dispute, winner                  sql.NullString
		completed                        sql.NullInt64
	)
	err := row.Scan(&id, &t.Address, &t.EscrowAddress, &t.Client, &t.Title, &t.Description, &t.Requirements, &t.Category,
		&bounty, &t.CreatedAt, &t.Deadline, &status, &subs, &msgs, &extReq, &extHours, &dispute, &winner, &completed)
	if err != nil {
		return t, err
	}
	t.ID = uint64(id)
	t.BountyAmount = uint64(bounty)
	t.Status = domain.TaskStatus(status)
	t.SubmissionCount = uint64(subs)
	t.MessageCount = uint64(msgs)
	t.ExtensionRequested = extReq == 1
	t.ExtensionHours = uint64(extHours)
	if dispute.Valid {
		t.DisputeRaisedBy = &dispute.String
	}
	if winner.Valid {
		t.WinningSubmission = &winner.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.Int64
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,address,escrow_address,client,title,description,requirements,category,bounty_amount,created_at,deadline,status,submission_count,message_count,extension_requested,extension_hours) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,0,0,0,0)`,
		int64(t.ID), t.Address, t.EscrowAddress, t.Client, t.Title, nullable(t.Description), nullable(t.Requirements), nullable(t.Category),
		int64(t.BountyAmount), t.CreatedAt, t.Deadline, string(t.Status))
	return err
}

// UpdateTask writes every mutable task column.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET deadline=?,status=?,submission_count=?,message_count=?,extension_requested=?,extension_hours=?,dispute_raised_by=?,winning_submission=?,completed_at=? WHERE id=?`,
		t.Deadline, string(t.Status), int64(t.SubmissionCount), int64(t.MessageCount), boolInt(t.ExtensionRequested), int64(t.ExtensionHours),
		nullableStringPtr(t.DisputeRaisedBy), nullableStringPtr(t.WinningSubmission), nullableInt64Ptr(t.CompletedAt), int64(t.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id uint64) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id uint64) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, int64(id)))
	if err == sql.ErrNoRows {
		return t, ErrNotFound.WithMessage("task %d not found", id)
	}
	return t, err
}

type TaskFilters struct {
	Status   string
	Client   string
	Category string
	Limit    int
	// Cursor returns tasks with ids strictly below it.
	Cursor uint64
	// DeadlineBefore keeps tasks whose deadline is strictly earlier.
	DeadlineBefore int64
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, f.Client)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, int64(f.Cursor))
	}
	if f.DeadlineBefore != 0 {
		clauses = append(clauses, "deadline<?")
		args = append(args, f.DeadlineBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}

// --- submissions ---

const submissionColumns = `address,task_id,agent,submission_url,COALESCE(notes,''),submitted_at,status`

func scanSubmission(row interface{ Scan(...any) error }) (domain.Submission, error) {
	var s domain.Submission
	var taskID int64
	var status string
	if err := row.Scan(&s.Address, &taskID, &s.Agent, &s.URL, &s.Notes, &s.SubmittedAt, &status); err != nil {
		return s, err
	}
	s.TaskID = uint64(taskID)
	s.Status = domain.SubmissionStatus(status)
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO submissions(address,task_id,agent,submission_url,notes,submitted_at,status) VALUES (?,?,?,?,?,?,?)`,
		s.Address, int64(s.TaskID), s.Agent, s.URL, nullable(s.Notes), s.SubmittedAt, string(s.Status))
	if db.IsUniqueViolation(err) {
		return domain.ErrAlreadySubmitted.WithMessage("%s already submitted to task %d", s.Agent, s.TaskID)
	}
	return err
}

func (r Repo) GetSubmission(ctx context.Context, taskID uint64, agent string) (domain.Submission, error) {
	return r.GetSubmissionTx(ctx, nil, taskID, agent)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, taskID uint64, agent string) (domain.Submission, error) {
	s, err := scanSubmission(r.q(tx).QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? AND agent=?`, int64(taskID), agent))
	if err == sql.ErrNoRows {
		return s, ErrNotFound.WithMessage("no submission from %s on task %d", agent, taskID)
	}
	return s, err
}

func (r Repo) SetSubmissionStatus(ctx context.Context, tx *sql.Tx, address string, status domain.SubmissionStatus) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE submissions SET status=? WHERE address=?`, string(status), address)
	return err
}

// MarkOtherSubmissions moves every pending submission on the task except
// keep to status.
func (r Repo) MarkOtherSubmissions(ctx context.Context, tx *sql.Tx, taskID uint64, keep string, status domain.SubmissionStatus) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE submissions SET status=? WHERE task_id=? AND address<>? AND status=?`,
		string(status), int64(taskID), keep, string(domain.SubmissionPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListSubmissions(ctx context.Context, taskID uint64) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id=? ORDER BY submitted_at ASC, address ASC`, int64(taskID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- messages ---

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(address,task_id,seq,sender,content,sent_at) VALUES (?,?,?,?,?,?)`,
		m.Address, int64(m.TaskID), int64(m.ID), m.Sender, m.Content, m.SentAt)
	if db.IsUniqueViolation(err) {
		return domain.ErrAccountExists.WithMessage("message %s already exists", m.Address)
	}
	return err
}

func (r Repo) ListMessages(ctx context.Context, taskID uint64) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT address,task_id,seq,sender,content,sent_at FROM messages WHERE task_id=? ORDER BY seq ASC`, int64(taskID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var task, seq int64
		if err := rows.Scan(&m.Address, &task, &seq, &m.Sender, &m.Content, &m.SentAt); err != nil {
			return nil, err
		}
		m.TaskID = uint64(task)
		m.ID = uint64(seq)
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- events ---

type EventFilters struct {
	Type       string
	TaskID     *uint64
	EntityKind string
	EntityID   string
}

func (f EventFilters) where(clauses []string, args []any) ([]string, []any) {
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TaskID != nil {
		clauses = append(clauses, "task_id=?")
		args = append(args, int64(*f.TaskID))
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var task sql.NullInt64
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &task, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if task.Valid {
			id := uint64(task.Int64)
			e.TaskID = &id
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,task_id,entity_kind,entity_id,actor_id,payload_json`

// LatestEventsFrom returns events newest first, below cursor when cursor > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.where([]string{"1=1"}, nil)
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.where([]string{"id>?"}, []any{cursor})
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
