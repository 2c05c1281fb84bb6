package storage

import (
	"testing"
	"time"
)

func TestCutoffDate(t *testing.T) {
	now := time.Date(2026, 3, 15, 17, 42, 5, 0, time.FixedZone("X", 3*3600))

	got := CutoffDate(now, 90)
	want := time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("CutoffDate() = %v, want %v", got, want)
	}

	// Two calls within the same UTC day agree.
	if later := CutoffDate(now.Add(3*time.Hour), 90); !later.Equal(got) {
		t.Errorf("cutoff moved within one day: %v != %v", later, got)
	}
}
