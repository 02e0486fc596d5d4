package domain

import (
	"math"
	"time"
)

// ─── Economy Constants ──────────────────────────────────────────────────────
// These are fixed business rules, deliberately NOT tenant-configurable.
// Changing one changes the meaning of every historical ledger row.

const (
	// SeedBalance is credited to every wallet on first reference.
	SeedBalance = 2

	// EscrowCost is held from the evaluatee for an open review session.
	EscrowCost = 1

	// EvaluatorReward is paid to the evaluator for completing a review,
	// approved or rejected alike.
	EvaluatorReward = 1

	// TimeoutPenalty is debited from an evaluator who lets a claimed
	// session expire unscored.
	TimeoutPenalty = 1

	// ContractFailurePenalty is debited from an owner whose contract
	// passes its due date without a delivery.
	ContractFailurePenalty = 1

	// ReviewDeadlineHours is how long an evaluator has to score a session.
	ReviewDeadlineHours = 24

	// InitialBlackholeDays is the countdown a freshly enrolled member starts with.
	InitialBlackholeDays = 60

	// FreezeDaysPerPeriod is the freeze allowance granted each period.
	FreezeDaysPerPeriod = 30

	// MaxFreezeDaysPerUse caps a single freeze activation.
	MaxFreezeDaysPerUse = 30

	// FreezeAllowancePeriodDays is the length of one allowance period.
	FreezeAllowancePeriodDays = 365
)

// baseAwardDays maps review difficulty (1..5) to the base number of
// blackhole days awarded on approval.
var baseAwardDays = map[int]int{
	1: 3,
	2: 5,
	3: 8,
	4: 13,
	5: 21,
}

// BaseAwardDaysFor returns the base award for a difficulty, or 0 when
// the difficulty is out of range.
func BaseAwardDaysFor(difficulty int) int {
	return baseAwardDays[difficulty]
}

// ─── Pure Rules ─────────────────────────────────────────────────────────────

// InitialTimeline computes the countdown state for a member enrolled at seed.
func InitialTimeline(seed time.Time) (blackholeDeadline time.Time, freezeDays int, allowanceResetAt time.Time) {
	return seed.AddDate(0, 0, InitialBlackholeDays),
		FreezeDaysPerPeriod,
		seed.AddDate(0, 0, FreezeAllowancePeriodDays)
}

// ComputeAwardedDays converts an approved delivery into blackhole days.
// Delivering faster than the committed duration scales the base award
// up to 2×; delivering slower never scales it below 0.5×. The award is
// at least one day.
func ComputeAwardedDays(acceptedAt, deliveredAt time.Time, durationHours, difficulty int) int {
	actualHours := deliveredAt.Sub(acceptedAt).Hours()
	if actualHours < 1 {
		actualHours = 1
	}
	expectedHours := float64(durationHours)
	if expectedHours < 1 {
		expectedHours = 1
	}

	speedRatio := clamp(expectedHours/actualHours, 0.5, 2.0)
	base := float64(BaseAwardDaysFor(difficulty))
	awarded := int(math.Round(base * speedRatio))
	if awarded < 1 {
		awarded = 1
	}
	return awarded
}

// DaysRemaining reports whole days left until deadline, rounded up,
// never negative.
func DaysRemaining(deadline, now time.Time) int {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
