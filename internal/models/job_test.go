package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusPending, StatusCancelled}:    true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusPending}:   true,
		{StatusProcessing, StatusFailed}:    true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusFailed || s == StatusCancelled
		if s.Terminal() != want {
			t.Fatalf("%s terminal = %v", s, s.Terminal())
		}
	}
	if Status("bogus").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestViewFormatsTimestamps(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	lease := created.Add(time.Minute)
	view := Job{
		ID:          "j1",
		Status:      StatusProcessing,
		LeasedUntil: &lease,
		CreatedAt:   created,
		UpdatedAt:   created,
		ExpiresAt:   created.Add(24 * time.Hour),
	}.View()

	if view.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected created_at %q", view.CreatedAt)
	}
	if view.ExpiresAt != "2026-01-03T03:04:05Z" {
		t.Fatalf("unexpected expires_at %q", view.ExpiresAt)
	}
}
