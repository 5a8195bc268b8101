package server

import (
	"encoding/json"

	"bountyline/internal/domain"
	"bountyline/internal/judge"
)

// Request payloads

type InitPlatformRequest struct {
	Treasury string `json:"treasury,omitempty"`
	FeeBps   uint16 `json:"fee_bps" maximum:"10000"`
}

type SetFeeRequest struct {
	FeeBps uint16 `json:"fee_bps"`
}

type RegisterAgentRequest struct {
	Name       string   `json:"name"`
	Bio        string   `json:"bio,omitempty"`
	Skills     []string `json:"skills,omitempty"`
	HourlyRate uint64   `json:"hourly_rate,omitempty"`
}

type UpdateAgentRequest struct {
	Name       *string   `json:"name,omitempty"`
	Bio        *string   `json:"bio,omitempty"`
	Skills     *[]string `json:"skills,omitempty"`
	HourlyRate *uint64   `json:"hourly_rate,omitempty"`
	IsActive   *bool     `json:"is_active,omitempty"`
}

type CreateTaskRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Requirements  string `json:"requirements,omitempty"`
	Category      string `json:"category,omitempty"`
	Bounty        uint64 `json:"bounty"`
	DeadlineHours uint32 `json:"deadline_hours"`
}

type SubmitRequest struct {
	SubmissionURL string `json:"submission_url"`
	Notes         string `json:"notes,omitempty"`
}

type SelectWinnerRequest struct {
	Agent  string `json:"agent"`
	Rating uint8  `json:"rating"`
}

type ExtensionRequest struct {
	Hours uint64 `json:"hours"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type DepositRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type PlatformResponse struct {
	domain.Platform
	TaskCounts map[string]int `json:"task_counts"`
}

// AgentResponse lists the profile fields explicitly; embedding
// domain.AgentProfile would carry its AverageRating method into the schema.
type AgentResponse struct {
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
	AverageRating  float64  `json:"average_rating"`
	RegisteredAt   int64    `json:"registered_at"`
	IsActive       bool     `json:"is_active"`
}

type TaskResponse struct {
	domain.Task
	EscrowBalance uint64 `json:"escrow_balance"`
}

type SettlementResponse struct {
	Task       domain.Task       `json:"task"`
	Submission domain.Submission `json:"submission"`
	Payout     uint64            `json:"payout"`
	Fee        uint64            `json:"fee"`
}

type AccountResponse struct {
	domain.Account
	Transfers []domain.Transfer `json:"transfers"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	TaskID     *uint64         `json:"task_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string         `json:"actor_id"`
	Source      string         `json:"source"`
	IsAuthority bool           `json:"is_authority"`
	Agent       *AgentResponse `json:"agent,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type VerdictResponse = judge.Verdict

// NewAgentResponse adds the derived average rating to a profile.
func NewAgentResponse(a domain.AgentProfile) AgentResponse {
	return AgentResponse{
		Address:        a.Address,
		Owner:          a.Owner,
		Name:           a.Name,
		Bio:            a.Bio,
		Skills:         a.Skills,
		HourlyRate:     a.HourlyRate,
		TasksCompleted: a.TasksCompleted,
		TasksFailed:    a.TasksFailed,
		TotalEarned:    a.TotalEarned,
		RatingSum:      a.RatingSum,
		RatingCount:    a.RatingCount,
		AverageRating:  a.AverageRating(),
		RegisteredAt:   a.RegisteredAt,
		IsActive:       a.IsActive,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		TaskID:     evt.TaskID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
