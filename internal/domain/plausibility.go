package domain

// PlausibilityRange is an advisory bound for a decoded value. A value
// outside its range is logged as suspect but still stored and published
// unmodified; the check never rejects or clamps.
type PlausibilityRange struct {
	Min float64
	Max float64
}

// plausibilityRanges holds the advisory bounds. Fields without an entry are
// always considered plausible.
var plausibilityRanges = map[string]PlausibilityRange{
	FieldVoltage:     {Min: 0, Max: 500},
	FieldFrequency:   {Min: 45, Max: 65},
	FieldPowerFactor: {Min: -1.1, Max: 1.1},
}

// PlausibilityBounds returns the advisory range for a field, if it has one.
func PlausibilityBounds(field string) (PlausibilityRange, bool) {
	r, ok := plausibilityRanges[field]
	return r, ok
}

// IsPlausible reports whether v falls inside the advisory range for field.
func IsPlausible(field string, v float64) bool {
	r, ok := plausibilityRanges[field]
	if !ok {
		return true
	}
	return v >= r.Min && v <= r.Max
}
