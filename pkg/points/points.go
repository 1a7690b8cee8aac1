// Package points scores node activity.
package points

import "node-coordinator/pkg/models"

const (
	secondsPerDay = 24 * 60 * 60
	pointsPerDay  = 100.0
	pointsPerTask = 10.0
)

// Raw is the unadjusted score: 100 points per day of uptime plus 10 per task.
func Raw(uptime float64, tasksCount int64) float64 {
	return uptime/secondsPerDay*pointsPerDay + float64(tasksCount)*pointsPerTask
}

// Daily applies every perk multiplier to the raw score.
func Daily(uptime float64, tasksCount int64, perks []models.Perk) float64 {
	p := Raw(uptime, tasksCount)
	for _, perk := range perks {
		p *= perk.Multiplier
	}
	return p
}

// Total is Daily plus each perk's one-time bonus, added after all multipliers.
func Total(uptime float64, tasksCount int64, perks []models.Perk) float64 {
	p := Daily(uptime, tasksCount, perks)
	for _, perk := range perks {
		p += perk.OneTimeBonus
	}
	return p
}
