package domain

import "time"

// Validity is the half-open interval [from, until) during which an entity is active.
// An open interval has no end.
type Validity struct {
	from    time.Time
	until   time.Time
	bounded bool
}

func OpenFrom(from time.Time) Validity {
	return Validity{from: from.UTC()}
}

func Between(from, until time.Time) Validity {
	return Validity{from: from.UTC(), until: until.UTC(), bounded: true}
}

func (v Validity) From() time.Time { return v.from }

// End returns the end of the interval and whether one is set.
func (v Validity) End() (time.Time, bool) {
	return v.until, v.bounded
}

func (v Validity) ActiveAt(t time.Time) bool {
	if t.Before(v.from) {
		return false
	}
	return !v.bounded || t.Before(v.until)
}

// Close ends an open interval at the given instant. Closed intervals keep their end.
func (v Validity) Close(at time.Time) Validity {
	if v.bounded {
		return v
	}
	if at.Before(v.from) {
		at = v.from
	}
	return Between(v.from, at)
}
