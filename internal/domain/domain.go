package domain

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskDisputed  TaskStatus = "disputed"

	// Legacy single-assignment states. Stored rows may carry them but no
	// operation transitions into them.
	TaskInProgress    TaskStatus = "in_progress"
	TaskPendingReview TaskStatus = "pending_review"
	TaskRejected      TaskStatus = "rejected"
)

// Terminal reports whether no further transition may leave the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

type SubmissionStatus string

const (
	SubmissionPending     SubmissionStatus = "pending"
	SubmissionSelected    SubmissionStatus = "selected"
	SubmissionNotSelected SubmissionStatus = "not_selected"
)

type Platform struct {
	Address        string `json:"address"`
	Authority      string `json:"authority"`
	Treasury       string `json:"treasury"`
	FeeBps         uint16 `json:"fee_bps"`
	TotalTasks     uint64 `json:"total_tasks"`
	TotalCompleted uint64 `json:"total_completed"`
	TotalVolume    uint64 `json:"total_volume"`
	CreatedAt      int64  `json:"created_at"`
}

type AgentProfile struct {
	Address        string   `json:"address"`
	Owner          string   `json:"owner"`
	Name           string   `json:"name"`
	Bio            string   `json:"bio"`
	Skills         []string `json:"skills"`
	HourlyRate     uint64   `json:"hourly_rate"`
	TasksCompleted uint64   `json:"tasks_completed"`
	TasksFailed    uint64   `json:"tasks_failed"`
	TotalEarned    uint64   `json:"total_earned"`
	RatingSum      uint64   `json:"rating_sum"`
	RatingCount    uint64   `json:"rating_count"`
	RegisteredAt   int64    `json:"registered_at"`
	IsActive       bool     `json:"is_active"`
}

// AverageRating returns rating_sum/rating_count, or 0 for unrated agents.
func (a AgentProfile) AverageRating() float64 {
	if a.RatingCount == 0 {
		return 0
	}
	return float64(a.RatingSum) / float64(a.RatingCount)
}

type Task struct {
	ID                 uint64     `json:"id"`
	Address            string     `json:"address"`
	EscrowAddress      string     `json:"escrow_address"`
	Client             string     `json:"client"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Requirements       string     `json:"requirements,omitempty"`
	Category           string     `json:"category,omitempty"`
	BountyAmount       uint64     `json:"bounty_amount"`
	CreatedAt          int64      `json:"created_at"`
	Deadline           int64      `json:"deadline"`
	Status             TaskStatus `json:"status"`
	SubmissionCount    uint64     `json:"submission_count"`
	MessageCount       uint64     `json:"message_count"`
	ExtensionRequested bool       `json:"extension_requested"`
	ExtensionHours     uint64     `json:"extension_hours"`
	DisputeRaisedBy    *string    `json:"dispute_raised_by,omitempty"`
	WinningSubmission  *string    `json:"winning_submission,omitempty"`
	CompletedAt        *int64     `json:"completed_at,omitempty"`
}

type Submission struct {
	Address     string           `json:"address"`
	TaskID      uint64           `json:"task_id"`
	Agent       string           `json:"agent"`
	URL         string           `json:"submission_url"`
	Notes       string           `json:"notes,omitempty"`
	SubmittedAt int64            `json:"submitted_at"`
	Status      SubmissionStatus `json:"status"`
}

type Message struct {
	Address string `json:"address"`
	TaskID  uint64 `json:"task_id"`
	ID      uint64 `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
	SentAt  int64  `json:"sent_at"`
}

// Account is a balance-holding record in the ledger.
type Account struct {
	Address   string `json:"address"`
	Kind      string `json:"kind"`
	Owner     string `json:"owner,omitempty"`
	Balance   uint64 `json:"balance"`
	CreatedAt int64  `json:"created_at"`
}

type Transfer struct {
	ID     int64  `json:"id"`
	TS     int64  `json:"ts"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

type Event struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	Type       string  `json:"type"`
	TaskID     *uint64 `json:"task_id,omitempty"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id,omitempty"`
	ActorID    string  `json:"actor_id"`
	Payload    string  `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
