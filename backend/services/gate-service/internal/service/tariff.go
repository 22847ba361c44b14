package service

import "time"

// Tariff defaults.
const (
	DefaultGraceMinutes     = 30
	DefaultIncrementMinutes = 30
	DefaultRatePerIncrement = 100
	DefaultMinimumBalance   = 200
)

// Tariff prices a parking stay: a free grace period, then a fixed rate per
// started increment.
type Tariff struct {
	GraceMinutes     int64
	IncrementMinutes int64
	RatePerIncrement int64
	// MinimumBalance is the cash a vehicle must exceed before a charge is even computed.
	MinimumBalance int64
}

// DefaultTariff returns 30 free minutes, then 100 per started 30 minutes.
func DefaultTariff() Tariff {
	return Tariff{
		GraceMinutes:     DefaultGraceMinutes,
		IncrementMinutes: DefaultIncrementMinutes,
		RatePerIncrement: DefaultRatePerIncrement,
		MinimumBalance:   DefaultMinimumBalance,
	}
}

// Normalize replaces unusable values with defaults.
func (t Tariff) Normalize() Tariff {
	if t.GraceMinutes < 0 {
		t.GraceMinutes = DefaultGraceMinutes
	}
	if t.IncrementMinutes <= 0 {
		t.IncrementMinutes = DefaultIncrementMinutes
	}
	if t.RatePerIncrement < 0 {
		t.RatePerIncrement = DefaultRatePerIncrement
	}
	if t.MinimumBalance < 0 {
		t.MinimumBalance = DefaultMinimumBalance
	}
	return t
}

// ParkedMinutes is the whole number of minutes between entry and now, never negative.
func ParkedMinutes(entry, now time.Time) int64 {
	d := now.Sub(entry)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// ChargeForMinutes prices a stay of the given length.
func (t Tariff) ChargeForMinutes(minutes int64) int64 {
	excess := minutes - t.GraceMinutes
	if excess <= 0 {
		return 0
	}
	increments := (excess + t.IncrementMinutes - 1) / t.IncrementMinutes
	return increments * t.RatePerIncrement
}

// Charge prices a stay from entry until now.
func (t Tariff) Charge(entry, now time.Time) int64 {
	return t.ChargeForMinutes(ParkedMinutes(entry, now))
}
