package services

import (
	"time"

	"parametric-service/internal/config"
)

const (
	// BasisPoints is 100% in basis points.
	BasisPoints int64 = 10000

	// Damage component weights, in percent. Part of the report contract.
	WeatherWeight   int64 = 60
	SatelliteWeight int64 = 40

	SecondsPerDay int64 = 86400
	YearSeconds   int64 = 365 * SecondsPerDay
)

// Rules holds the business limits every component enforces.
type Rules struct {
	MinSumInsured     int64
	MaxSumInsured     int64
	MinDurationDays   int
	MaxDurationDays   int
	MaxActivePolicies int
	MaxClaimsPerYear  int
	MinThresholdBP    int64
	MaxReportAge      time.Duration
	MinReservePct     int64
	MaxFeePct         int64
	DefaultFeePct     int64
	// CalendarYears buckets claims by UTC calendar year instead of
	// unix seconds / 365 days.
	CalendarYears bool
}

func DefaultRules() Rules {
	return Rules{
		MinSumInsured:     100_000_000,
		MaxSumInsured:     1_000_000_000_000,
		MinDurationDays:   30,
		MaxDurationDays:   365,
		MaxActivePolicies: 5,
		MaxClaimsPerYear:  3,
		MinThresholdBP:    3000,
		MaxReportAge:      time.Hour,
		MinReservePct:     20,
		MaxFeePct:         20,
		DefaultFeePct:     10,
	}
}

func RulesFromConfig(cfg config.RulesConfig) Rules {
	return Rules{
		MinSumInsured:     cfg.MinSumInsured,
		MaxSumInsured:     cfg.MaxSumInsured,
		MinDurationDays:   cfg.MinDurationDays,
		MaxDurationDays:   cfg.MaxDurationDays,
		MaxActivePolicies: cfg.MaxActivePolicies,
		MaxClaimsPerYear:  cfg.MaxClaimsPerYear,
		MinThresholdBP:    cfg.MinThresholdBP,
		MaxReportAge:      cfg.MaxReportAge,
		MinReservePct:     cfg.MinReservePct,
		MaxFeePct:         cfg.MaxFeePct,
		DefaultFeePct:     cfg.DefaultFeePct,
		CalendarYears:     cfg.CalendarYears,
	}
}

// YearBucket is the claim-count key for t.
func (r Rules) YearBucket(t time.Time) int64 {
	if r.CalendarYears {
		return int64(t.UTC().Year())
	}
	return t.Unix() / YearSeconds
}

// ExpectedPayout is sumInsured * damageBP / 10000, truncated.
func ExpectedPayout(sumInsured, damageBP int64) int64 {
	return sumInsured * damageBP / BasisPoints
}

// WeightedDamage is (60*weather + 40*satellite) / 100, truncated.
func WeightedDamage(weatherBP, satelliteBP int64) int64 {
	return (WeatherWeight*weatherBP + SatelliteWeight*satelliteBP) / 100
}

// Clock returns the current time. A nil Clock means time.Now.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
