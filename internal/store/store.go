// Package store defines the shared key/value and list structure that holds
// job records and the pending queue, and its Redis implementation.
//
// Every method is atomic per call. No cross-key transaction is offered, so
// callers must tolerate a record existing without being queued and a queued
// id whose record is gone. ReplaceRecord is the compare-and-swap primitive
// for read-modify-write of a single record.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any failure to reach the backing store.
var ErrUnavailable = errors.New("store unavailable")

// ErrConflict is returned by ReplaceRecord when the record changed since it was read.
var ErrConflict = errors.New("record changed concurrently")

// Store is the job store collaborator used by the queue manager.
type Store interface {
	PutRecord(ctx context.Context, id string, fields map[string]string) error
	GetRecord(ctx context.Context, id string) (map[string]string, bool, error)
	// ReplaceRecord swaps in fields only if the record exists and every expect
	// field still holds its value. It returns false with a nil error when the
	// record is gone and ErrConflict when an expected value differs.
	ReplaceRecord(ctx context.Context, id string, expect, fields map[string]string) (bool, error)
	DeleteRecord(ctx context.Context, id string) error
	ListKeys(ctx context.Context) ([]string, error)

	Push(ctx context.Context, queue, id string) error
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)
	RemoveFromList(ctx context.Context, queue, id string) error
	ListLength(ctx context.Context, queue string) (int64, error)
	ListRange(ctx context.Context, queue string) ([]string, error)

	Ping(ctx context.Context) error
}
