package service

import (
	"testing"
	"time"
)

func TestTariffCharge(t *testing.T) {
	tariff := DefaultTariff()
	entry := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		parked time.Duration
		want   int64
	}{
		{"just arrived", 0, 0},
		{"end of grace", 30 * time.Minute, 0},
		{"partial minute inside grace", 30*time.Minute + 59*time.Second, 0},
		{"first increment", 31 * time.Minute, 100},
		{"forty five minutes", 45 * time.Minute, 100},
		{"one hour", 60 * time.Minute, 100},
		{"second increment", 61 * time.Minute, 200},
		{"two hours", 120 * time.Minute, 300},
		{"clock skew", -10 * time.Minute, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tariff.Charge(entry, entry.Add(tc.parked)); got != tc.want {
				t.Fatalf("Charge after %s = %d, want %d", tc.parked, got, tc.want)
			}
		})
	}
}

func TestTariffFormulaAndMonotonic(t *testing.T) {
	tariff := DefaultTariff()
	var prev int64
	for m := int64(0); m <= 2000; m++ {
		got := tariff.ChargeForMinutes(m)
		if m <= 30 && got != 0 {
			t.Fatalf("minute %d inside grace charged %d", m, got)
		}
		if m > 30 {
			want := ((m - 30 + 29) / 30) * 100
			if got != want {
				t.Fatalf("minute %d: got %d want %d", m, got, want)
			}
		}
		if got < prev {
			t.Fatalf("charge decreased at minute %d: %d < %d", m, got, prev)
		}
		prev = got
	}
}

func TestTariffNormalize(t *testing.T) {
	got := Tariff{GraceMinutes: -1, IncrementMinutes: 0, RatePerIncrement: -5, MinimumBalance: -1}.Normalize()
	if got != DefaultTariff() {
		t.Fatalf("expected defaults, got %+v", got)
	}

	custom := Tariff{GraceMinutes: 15, IncrementMinutes: 60, RatePerIncrement: 250, MinimumBalance: 0}
	if custom.Normalize() != custom {
		t.Fatalf("valid tariff must be kept as is")
	}
	if custom.ChargeForMinutes(16) != 250 || custom.ChargeForMinutes(76) != 500 {
		t.Fatalf("custom tariff priced incorrectly")
	}
}

func TestParkedMinutes(t *testing.T) {
	entry := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	if got := ParkedMinutes(entry, entry.Add(90*time.Second)); got != 1 {
		t.Fatalf("expected 1 minute, got %d", got)
	}
	if got := ParkedMinutes(entry, entry.Add(-time.Hour)); got != 0 {
		t.Fatalf("negative duration must clamp to 0, got %d", got)
	}
}
