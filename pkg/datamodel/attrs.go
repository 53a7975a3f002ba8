package datamodel

import "math"

// Sentinel values meaning "attribute not set".
const (
	// PeriodNone marks an unset integer attribute. Persisted as 0xFFFFFFFF.
	PeriodNone int32 = -1

	// ConfirmableNone marks an unset confirmable-notification flag.
	ConfirmableNone int8 = -1
)

// ValueNone returns the unset sentinel for floating-point attributes.
// Persisted as a quiet NaN.
func ValueNone() float64 { return math.NaN() }

// valueIsNone reports whether a floating-point attribute is unset.
func valueIsNone(v float64) bool { return math.IsNaN(v) }

// Attributes is the notification attribute set attached to objects,
// instances, and as per-server defaults ("OI attributes").
type Attributes struct {
	// MinPeriod is the minimum time in seconds between notifications (pmin).
	MinPeriod int32

	// MaxPeriod is the maximum time in seconds between notifications (pmax).
	MaxPeriod int32

	// MinEvalPeriod is the minimum time between observed-value
	// evaluations (epmin).
	MinEvalPeriod int32

	// MaxEvalPeriod is the maximum time between observed-value
	// evaluations (epmax).
	MaxEvalPeriod int32

	// HQMax caps the number of historical values queued per notification.
	HQMax int32

	// Confirmable forces notifications to be sent as confirmable (con)
	// when 1, non-confirmable when 0; ConfirmableNone leaves the server
	// default in effect.
	Confirmable int8

	// Edge selects falling (0) or rising (1) edge observation.
	Edge int8
}

// EmptyAttributes returns an Attributes value with every field unset.
func EmptyAttributes() Attributes {
	return Attributes{
		MinPeriod:     PeriodNone,
		MaxPeriod:     PeriodNone,
		MinEvalPeriod: PeriodNone,
		MaxEvalPeriod: PeriodNone,
		HQMax:         PeriodNone,
		Confirmable:   ConfirmableNone,
		Edge:          ConfirmableNone,
	}
}

// IsEmpty reports whether every attribute is unset.
func (a Attributes) IsEmpty() bool {
	return a == EmptyAttributes()
}

// ResourceAttributes extends Attributes with the value-change criteria
// available on resources and resource instances ("R attributes").
type ResourceAttributes struct {
	Attributes

	// GreaterThan triggers a notification when the value crosses it
	// upwards (gt).
	GreaterThan float64

	// LessThan triggers a notification when the value crosses it
	// downwards (lt).
	LessThan float64

	// Step triggers a notification when the value changes by at least
	// this much (st).
	Step float64
}

// EmptyResourceAttributes returns a ResourceAttributes value with every
// field unset.
func EmptyResourceAttributes() ResourceAttributes {
	return ResourceAttributes{
		Attributes:  EmptyAttributes(),
		GreaterThan: ValueNone(),
		LessThan:    ValueNone(),
		Step:        ValueNone(),
	}
}

// IsEmpty reports whether every attribute is unset.
func (a ResourceAttributes) IsEmpty() bool {
	return a.Attributes.IsEmpty() &&
		valueIsNone(a.GreaterThan) && valueIsNone(a.LessThan) && valueIsNone(a.Step)
}

// Equal compares two resource attribute sets, treating the NaN sentinel as
// equal to itself.
func (a ResourceAttributes) Equal(other ResourceAttributes) bool {
	return a.Attributes == other.Attributes &&
		floatEqual(a.GreaterThan, other.GreaterThan) &&
		floatEqual(a.LessThan, other.LessThan) &&
		floatEqual(a.Step, other.Step)
}

func floatEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}
