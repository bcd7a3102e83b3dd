package jobmodel

import (
	"testing"
	"time"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Status("bogus").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusAssigned, StatusInProgress}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %q to not be terminal", s)
		}
	}
}

func TestNewJobDefaults(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewJob("job-1", "image-gen", 50, []byte("payload"), now)

	if job.Status != StatusPending {
		t.Errorf("expected new job to be pending, got %q", job.Status)
	}
	if job.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", job.MaxRetries)
	}
	if job.CreatedAtMs != now.UnixMilli() || job.SubmittedAtMs != now.UnixMilli() {
		t.Error("expected created/submitted timestamps to match the injected clock")
	}
	if job.RetryCount != 0 {
		t.Errorf("expected new job to start with zero retries, got %d", job.RetryCount)
	}
}
