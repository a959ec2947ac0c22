package store

import (
	"testing"

	"github.com/felipemaragno/callbacks/internal/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusPending, domain.StatusInFlight, true},
		{domain.StatusRetryScheduled, domain.StatusInFlight, true},
		{domain.StatusInFlight, domain.StatusInFlight, true},
		{domain.StatusInFlight, domain.StatusSucceeded, true},
		{domain.StatusInFlight, domain.StatusRetryScheduled, true},
		{domain.StatusInFlight, domain.StatusFailed, true},
		{domain.StatusPending, domain.StatusSucceeded, false},
		{domain.StatusSucceeded, domain.StatusRetryScheduled, false},
		{domain.StatusRetryScheduled, domain.StatusSucceeded, false},
		{domain.StatusFailed, domain.StatusInFlight, false},
		{domain.StatusSucceeded, domain.StatusInFlight, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSources(t *testing.T) {
	got := Sources(domain.StatusSucceeded)
	if len(got) != 1 || got[0] != domain.StatusInFlight {
		t.Errorf("Sources(succeeded) = %v, want [in_flight]", got)
	}
	if got := Sources(domain.StatusInFlight); len(got) != 3 {
		t.Errorf("Sources(in_flight) = %v, want 3 statuses", got)
	}
}
