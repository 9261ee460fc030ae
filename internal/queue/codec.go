package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"prototype-queue/internal/models"
)

// Hash field names of a job record.
const (
	fieldID            = "id"
	fieldOwnerID       = "owner_id"
	fieldCorrelationID = "correlation_id"
	fieldStatus        = "status"
	fieldPayload       = "payload"
	fieldResult        = "result"
	fieldError         = "error"
	fieldAttempts      = "attempts"
	fieldLeasedUntil   = "leased_until"
	fieldCreatedAt     = "created_at"
	fieldUpdatedAt     = "updated_at"
	fieldExpiresAt     = "expires_at"
)

// encodeJob flattens a job into hash fields. Optional fields are omitted when unset.
func encodeJob(j models.Job) (map[string]string, error) {
	fields := map[string]string{
		fieldID:            j.ID,
		fieldOwnerID:       j.OwnerID,
		fieldCorrelationID: j.CorrelationID,
		fieldStatus:        string(j.Status),
		fieldPayload:       j.Payload,
		fieldAttempts:      strconv.Itoa(j.Attempts),
		fieldCreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:     j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		fieldExpiresAt:     j.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if j.Result != nil {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		fields[fieldResult] = string(raw)
	}
	if j.Error != nil {
		fields[fieldError] = *j.Error
	}
	if j.LeasedUntil != nil {
		fields[fieldLeasedUntil] = j.LeasedUntil.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

func decodeJob(fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:            fields[fieldID],
		OwnerID:       fields[fieldOwnerID],
		CorrelationID: fields[fieldCorrelationID],
		Status:        models.Status(fields[fieldStatus]),
		Payload:       fields[fieldPayload],
	}
	if job.ID == "" {
		return models.Job{}, fmt.Errorf("record has no id")
	}
	if !job.Status.Valid() {
		return models.Job{}, fmt.Errorf("job %s: unknown status %q", job.ID, job.Status)
	}

	var err error
	if job.CreatedAt, err = parseTime(fields, fieldCreatedAt); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.UpdatedAt, err = parseTime(fields, fieldUpdatedAt); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.ExpiresAt, err = parseTime(fields, fieldExpiresAt); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if v, ok := fields[fieldAttempts]; ok && v != "" {
		if job.Attempts, err = strconv.Atoi(v); err != nil {
			return models.Job{}, fmt.Errorf("job %s: parse attempts: %w", job.ID, err)
		}
	}
	if v, ok := fields[fieldResult]; ok {
		if err := json.Unmarshal([]byte(v), &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("job %s: unmarshal result: %w", job.ID, err)
		}
	}
	if v, ok := fields[fieldError]; ok {
		msg := v
		job.Error = &msg
	}
	if _, ok := fields[fieldLeasedUntil]; ok {
		lease, err := parseTime(fields, fieldLeasedUntil)
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
		}
		job.LeasedUntil = &lease
	}
	return job, nil
}

func parseTime(fields map[string]string, name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, fields[name])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return t, nil
}
