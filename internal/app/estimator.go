package app

// DefaultMinutesPerPatron is the placeholder consultation length used for wait estimates.
const DefaultMinutesPerPatron = 15

// FixedEstimator charges a constant number of minutes for every patron ahead.
type FixedEstimator struct {
	MinutesPerPatron int
}

func (e FixedEstimator) EstimateMinutes(ahead int) int {
	if ahead <= 0 {
		return 0
	}
	return ahead * e.MinutesPerPatron
}
