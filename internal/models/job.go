package models

import (
	"time"
)

// Status enumerates lifecycle states persisted on a job record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusPending, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a unit of prototype-generation work stored in Redis.
type Job struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	CorrelationID string         `json:"correlation_id"`
	Status        Status         `json:"status"`
	Payload       string         `json:"payload"`
	Result        map[string]any `json:"result,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	LeasedUntil   *time.Time     `json:"leased_until,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Expired reports whether the retention window of the job has passed at now.
func (j Job) Expired(now time.Time) bool {
	return j.ExpiresAt.Before(now)
}

// JobView is the producer-facing rendering of a job.
type JobView struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	CorrelationID string         `json:"correlation_id"`
	Status        Status         `json:"status"`
	Payload       string         `json:"payload"`
	Result        map[string]any `json:"result,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	ExpiresAt     string         `json:"expires_at"`
}

// View drops internal lease bookkeeping and formats timestamps as RFC3339.
func (j Job) View() JobView {
	return JobView{
		ID:            j.ID,
		OwnerID:       j.OwnerID,
		CorrelationID: j.CorrelationID,
		Status:        j.Status,
		Payload:       j.Payload,
		Result:        j.Result,
		Error:         j.Error,
		Attempts:      j.Attempts,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     j.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// Stats summarizes queue depth and record counts.
type Stats struct {
	QueueLength  int64          `json:"queue_length"`
	TotalJobs    int            `json:"total_jobs"`
	StatusCounts map[Status]int `json:"status_counts"`
}

// AuditLog is a single recorded transition of a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
