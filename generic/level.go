package generic

import "github.com/shopspring/decimal"

// PointsPerLevel is the width of every level band.
const PointsPerLevel = 1000

// Level maps cumulative points to a level number, starting at 1.
// Negative totals (never produced by the ledger) are treated as zero.
func Level(totalPoints int64) int {
	if totalPoints < 0 {
		totalPoints = 0
	}
	return int(totalPoints/PointsPerLevel) + 1
}

// ProgressToNext returns the points earned inside the current level band,
// out of PointsPerLevel.
func ProgressToNext(totalPoints int64) int64 {
	if totalPoints < 0 {
		return 0
	}
	return totalPoints % PointsPerLevel
}

// ProgressPercent is ProgressToNext as a percentage rounded to 2 places.
func ProgressPercent(totalPoints int64) decimal.Decimal {
	return decimal.NewFromInt(ProgressToNext(totalPoints)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(PointsPerLevel)).
		Round(2)
}
