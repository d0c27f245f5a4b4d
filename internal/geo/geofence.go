package geo

import (
	"fmt"
	"math"
)

// DefaultHighAccuracyMeters is the largest reported accuracy still considered "high".
const DefaultHighAccuracyMeters = 50.0

// AccuracyLevel grades how much a reported position can be trusted.
type AccuracyLevel string

const (
	AccuracyHigh AccuracyLevel = "high"
	AccuracyLow  AccuracyLevel = "low"
)

// Position is a sampled location with its reported accuracy radius in meters.
type Position struct {
	Point
	AccuracyMeters float64 `json:"accuracy"`
}

// Fence is a circular admission area.
type Fence struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius"`
}

// Outcome is one cell of the range/accuracy decision matrix.
type Outcome string

const (
	Proceed            Outcome = "proceed"
	ProceedLowAccuracy Outcome = "proceed_low_accuracy"
	HardBlock          Outcome = "hard_block"
	SoftBlock          Outcome = "soft_block"
)

// Admission is the result of checking a position against a fence.
type Admission struct {
	WithinRange   bool          `json:"within_range"`
	Distance      float64       `json:"distance"`
	Radius        float64       `json:"radius"`
	AccuracyLevel AccuracyLevel `json:"accuracy_level"`
}

// Checker applies the admission policy. The zero value uses DefaultHighAccuracyMeters.
type Checker struct {
	HighAccuracyMeters float64
}

// Admit decides whether pos falls inside f. Accuracy never overrides range.
func (c Checker) Admit(pos Position, f Fence) Admission {
	limit := c.HighAccuracyMeters
	if limit <= 0 {
		limit = DefaultHighAccuracyMeters
	}
	d := Distance(pos.Point, f.Center)
	level := AccuracyLow
	if pos.AccuracyMeters >= 0 && pos.AccuracyMeters <= limit {
		level = AccuracyHigh
	}
	return Admission{
		// NaN distance compares false, so corrupt input never admits.
		WithinRange:   !math.IsNaN(d) && d <= f.RadiusMeters,
		Distance:      d,
		Radius:        f.RadiusMeters,
		AccuracyLevel: level,
	}
}

// Admit checks pos against f with the default accuracy limit.
func Admit(pos Position, f Fence) Admission {
	return Checker{}.Admit(pos, f)
}

// Outcome returns the matrix cell for a.
func (a Admission) Outcome() Outcome {
	switch {
	case a.WithinRange && a.AccuracyLevel == AccuracyHigh:
		return Proceed
	case a.WithinRange:
		return ProceedLowAccuracy
	case a.AccuracyLevel == AccuracyHigh:
		return HardBlock
	default:
		return SoftBlock
	}
}

// Admitted reports whether the outcome lets the attendee continue.
func (a Admission) Admitted() bool { return a.WithinRange }

// Message renders the user-facing explanation for the outcome.
func (a Admission) Message() string {
	switch a.Outcome() {
	case Proceed:
		return "You are within the allowed area"
	case ProceedLowAccuracy:
		return "You are within the allowed area (note: location accuracy is low)"
	case HardBlock:
		return fmt.Sprintf("You are %.0fm away from the session location. Maximum allowed distance is %.0fm.", a.Distance, a.Radius)
	default:
		return fmt.Sprintf("You appear to be %.0fm away from the session location (maximum %.0fm), but your location accuracy is low. Move to open sky and try again.", a.Distance, a.Radius)
	}
}
