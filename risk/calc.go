package risk

import "math"

// PlannedRisk is the loss in account currency if the stop is hit.
func PlannedRisk(entry, stop, units, quoteToAccount float64) float64 {
	return math.Abs(entry-stop) * math.Abs(units) * quoteToAccount
}

// RewardRisk is the target distance over the stop distance.
func RewardRisk(entry, stop, target float64) float64 {
	r := math.Abs(entry - stop)
	if r == 0 {
		return 0
	}
	return math.Abs(target-entry) / r
}
