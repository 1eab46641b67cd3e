package countdown

import (
	"testing"
	"time"
)

func TestDerive_Boundaries(t *testing.T) {
	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		now       time.Time
		wantState State
		wantLabel string
	}{
		{"exactly at start", at, Ongoing, "Ongoing"},
		{"59 minutes in", at.Add(59 * time.Minute), Ongoing, "Ongoing"},
		{"exactly one hour in", at.Add(time.Hour), Ended, "Event Ended"},
		{"61 minutes in", at.Add(61 * time.Minute), Ended, "Event Ended"},
		{"one minute before", at.Add(-time.Minute), Upcoming, "1 min to go"},
		{"thirty seconds before", at.Add(-30 * time.Second), Upcoming, "Starting soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(at, tt.now)
			if got.State != tt.wantState {
				t.Fatalf("Derive state = %v, want %v", got.State, tt.wantState)
			}
			if got.Label != tt.wantLabel {
				t.Fatalf("Derive label = %q, want %q", got.Label, tt.wantLabel)
			}
		})
	}
}

func TestDerive_UpcomingBreakdown(t *testing.T) {
	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		lead time.Duration
		want string
	}{
		{"three days", 72 * time.Hour, "3 days to go"},
		{"one day", 25 * time.Hour, "1 day to go"},
		{"five hours", 5 * time.Hour, "5 hours to go"},
		{"one hour", 90 * time.Minute, "1 hour to go"},
		{"forty minutes", 40 * time.Minute, "40 mins to go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(at, at.Add(-tt.lead))
			if got.State != Upcoming {
				t.Fatalf("expected Upcoming, got %v", got.State)
			}
			if got.Label != tt.want {
				t.Fatalf("Derive label = %q, want %q", got.Label, tt.want)
			}
			if got.Remaining != tt.lead {
				t.Fatalf("Derive remaining = %v, want %v", got.Remaining, tt.lead)
			}
		})
	}
}
