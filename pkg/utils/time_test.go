package utils

import (
	"testing"
	"time"
)

func TestGetDayStartFrom(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Time
		expected time.Time
	}{
		{
			name:     "middle of day",
			input:    time.Date(2024, 1, 15, 14, 30, 45, 123456789, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "end of day",
			input:    time.Date(2024, 1, 15, 23, 59, 59, 999999999, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "non-UTC location",
			input:    time.Date(2024, 1, 16, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetDayStartFrom(tt.input)
			if !result.Equal(tt.expected) {
				t.Errorf("GetDayStartFrom(%v) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSameDay(t *testing.T) {
	a := time.Date(2024, 3, 1, 0, 0, 1, 0, time.UTC)
	b := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	c := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	if !SameDay(a, b) {
		t.Error("expected same day")
	}
	if SameDay(b, c) {
		t.Error("expected different days")
	}
}

func TestCountSinceAndTrim(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		base.Add(-90 * time.Minute),
		base.Add(-50 * time.Minute),
		base.Add(-10 * time.Minute),
		base,
	}

	if got := CountSince(stamps, base.Add(-time.Hour)); got != 3 {
		t.Errorf("CountSince = %d, want 3", got)
	}

	trimmed := TrimBefore(stamps, base.Add(-time.Hour))
	if len(trimmed) != 3 {
		t.Fatalf("TrimBefore len = %d, want 3", len(trimmed))
	}
	if !trimmed[0].Equal(base.Add(-50 * time.Minute)) {
		t.Errorf("unexpected first stamp %v", trimmed[0])
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{45 * time.Second, "45s"},
		{5*time.Minute + 30*time.Second + 400*time.Millisecond, "5m30s"},
		{2*time.Hour + 15*time.Minute + 10*time.Second, "2h15m0s"},
		{-90 * time.Second, "1m30s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatDuration(tt.input); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
