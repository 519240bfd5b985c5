package models

import (
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one guideline-processing request and its outcome.
type Job struct {
	ID           int64     `json:"id"`
	EventID      string    `json:"event_id"`
	Status       Status    `json:"status"`
	InputText    string    `json:"input_text"`
	Summary      *string   `json:"summary,omitempty"`
	Checklist    *string   `json:"checklist,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Payload is the unit of work carried by the queue.
type Payload struct {
	EventID string `json:"eventId"`
	Text    string `json:"text"`
}

// Result is what a successful pipeline run produces.
type Result struct {
	Summary   string `json:"summary"`
	Checklist string `json:"checklist"`
}
