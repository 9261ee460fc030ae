// Package audit records job state transitions to Postgres for operators.
package audit

import (
	"context"
	"time"

	"prototype-queue/internal/models"
)

// Event names written by the worker and the queue manager.
const (
	EventEnqueued   = "enqueued"
	EventProcessing = "processing"
	EventCompleted  = "completed"
	EventRetry      = "retry_scheduled"
	EventFailed     = "failed"
	EventCancelled  = "cancelled"
	EventReclaimed  = "lease_reclaimed"
	EventExpired    = "expired"
)

// Recorder persists the transition history of jobs.
type Recorder interface {
	Record(ctx context.Context, jobID, event, detail string) error
	History(ctx context.Context, jobID string) ([]models.AuditLog, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Discard is a Recorder that keeps nothing.
type Discard struct{}

func (Discard) Record(context.Context, string, string, string) error { return nil }

func (Discard) History(context.Context, string) ([]models.AuditLog, error) { return nil, nil }

func (Discard) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
