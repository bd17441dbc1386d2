package utils

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(float64, float64) float64
		value float64
		step  float64
		want  float64
	}{
		{"down lot size", RoundDownToStep, 0.123456, 0.001, 0.123},
		{"down trailing step", RoundDownToStep, 101.455, 0.5, 101.0},
		{"up trailing step", RoundUpToStep, 101.455, 0.5, 101.5},
		{"up exact multiple", RoundUpToStep, 100.0, 0.5, 100.0},
		{"nearest", RoundToStep, 1.26, 0.05, 1.25},
		{"zero step", RoundDownToStep, 1.2345, 0, 1.2345},
		{"negative step", RoundUpToStep, 1.2345, -1, 1.2345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(tt.value, tt.step)
			if math.Abs(got-tt.want) > eps {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name  string
		side  string
		entry float64
		exit  float64
		qty   float64
		want  float64
	}{
		{"long profit", "long", 100, 110, 2, 20},
		{"long loss", "long", 100, 95, 1, -5},
		{"short profit", "short", 100, 90, 0.5, 5},
		{"short loss", "short", 100, 104, 1, -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculatePNL(tt.side, tt.entry, tt.exit, tt.qty)
			if math.Abs(got-tt.want) > eps {
				t.Errorf("CalculatePNL = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProfitPercent(t *testing.T) {
	if got := ProfitPercent("long", 100, 103); math.Abs(got-3) > eps {
		t.Errorf("long profit = %v, want 3", got)
	}
	if got := ProfitPercent("short", 100, 97); math.Abs(got-3) > eps {
		t.Errorf("short profit = %v, want 3", got)
	}
	if got := ProfitPercent("long", 0, 97); got != 0 {
		t.Errorf("zero entry should give 0, got %v", got)
	}
}

func TestPercentChangeAndClamp(t *testing.T) {
	if got := PercentChange(100, 101.5); math.Abs(got-1.5) > eps {
		t.Errorf("PercentChange = %v, want 1.5", got)
	}
	if got := PercentChange(0, 5); got != 0 {
		t.Errorf("PercentChange from zero = %v, want 0", got)
	}
	if got := Clamp(7, 1, 5); got != 5 {
		t.Errorf("Clamp high = %v", got)
	}
	if got := Clamp(0.2, 1, 5); got != 1 {
		t.Errorf("Clamp low = %v", got)
	}
	if Min(1, 2) != 1 || Max(1, 2) != 2 || Abs(-3) != 3 {
		t.Error("Min/Max/Abs mismatch")
	}
}
