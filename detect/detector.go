// Package detect implements per-tag change detection: deadband
// (absolute or percent), quality transitions, and a maximum-silence
// heartbeat. The detector is a pure function of its inputs so the same
// policy behaves identically across every protocol driver.
package detect

import (
	"reflect"
	"time"
)

// DeadbandKind selects how the deadband value is interpreted.
type DeadbandKind string

const (
	DeadbandAbsolute DeadbandKind = "absolute"
	DeadbandPercent  DeadbandKind = "percent"
)

// Policy is the per-tag change-detection policy.
type Policy struct {
	Enabled      bool
	Deadband     float64
	DeadbandKind DeadbandKind
	Heartbeat    time.Duration
}

// Last is the previously published record for a tag.
type Last struct {
	Value     interface{}
	Quality   int
	Timestamp time.Time
}

// ShouldPublish decides whether a fresh reading is published. Rules are
// evaluated in order:
//
//  1. policy disabled -> publish
//  2. no previous observation -> publish
//  3. quality changed -> publish
//  4. heartbeat elapsed (>=) -> publish
//  5. absolute deadband: publish iff |new-prev| >= d
//  6. percent deadband: base = max(|prev|, 1); publish iff 100*|new-prev|/base >= p
//  7. otherwise publish iff values differ under value equality
//
// Null or absent values on either side count as a change.
func ShouldPublish(p Policy, prev *Last, value interface{}, quality int, now time.Time) bool {
	if !p.Enabled {
		return true
	}
	if prev == nil {
		return true
	}
	if quality != prev.Quality {
		return true
	}
	if p.Heartbeat > 0 && now.Sub(prev.Timestamp) >= p.Heartbeat {
		return true
	}

	if value == nil || prev.Value == nil {
		// Missing values are never considered equal, even to each other.
		return true
	}

	nf, nOK := toFloat(value)
	pf, pOK := toFloat(prev.Value)
	if nOK && pOK {
		if p.Deadband > 0 {
			diff := nf - pf
			if diff < 0 {
				diff = -diff
			}
			switch p.DeadbandKind {
			case DeadbandPercent:
				base := pf
				if base < 0 {
					base = -base
				}
				if base < 1 {
					base = 1
				}
				return 100*diff/base >= p.Deadband
			default:
				return diff >= p.Deadband
			}
		}
		return nf != pf
	}

	return !equalValue(value, prev.Value)
}

// toFloat coerces numeric readings to float64 for deadband comparison.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// equalValue compares non-numeric (or mixed) values. Booleans and
// strings compare directly; composite values (decoded JSON payloads)
// fall back to deep equality.
func equalValue(a, b interface{}) bool {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}
