package victim

import "math"

// MaxCost is the cost ceiling; lower cost wins.
const MaxCost uint64 = math.MaxUint32

// accuracyClass bounds the fixed-point precision of the age-based scores.
const accuracyClass = 10000

// CostBenefitCost returns MaxCost - (100*(100-u)*age)/(100+u) for utilization
// u and normalized age, both percentages. Old, mostly empty sections
// get the smallest cost.
func CostBenefitCost(u, age uint64) uint64 {
	if u > 100 {
		u = 100
	}
	if age > 100 {
		age = 100
	}
	return MaxCost - (100*(100-u)*age)/(100+u)
}

// Utilization returns valid*100/total.
func Utilization(valid, total int) uint64 {
	if total <= 0 || valid <= 0 {
		return 0
	}
	if valid >= total {
		return 100
	}
	return uint64(valid) * 100 / uint64(total)
}

// NormalizedAge places mtime in the [min, max] window as a percentage
// where 100 is the oldest. A degenerate window yields 0.
func NormalizedAge(mtime, min, max uint64) uint64 {
	if max <= min {
		return 0
	}
	if mtime < min {
		mtime = min
	}
	if mtime > max {
		mtime = max
	}
	return 100 - (100*(mtime-min))/(max-min)
}

// ageScore holds the fixed-point scale of one age-threshold lookup.
type ageScore struct {
	min, max  uint64 // max is exclusive
	total     uint64
	accu      uint64
	ageWeight uint64
}

func newAgeScore(min, max, weight uint64) (ageScore, bool) {
	if max < min {
		return ageScore{}, false
	}
	max++
	total := max - min
	accu := math.MaxUint64 / total / 100
	if accu > accuracyClass {
		accu = accuracyClass
	}
	return ageScore{min: min, max: max, total: total, accu: accu, ageWeight: weight}, true
}

func (s ageScore) inWindow(mtime uint64) bool {
	return mtime >= s.min && mtime < s.max
}

// cost returns the weighted age/utilization cost of a section and its
// age term.
func (s ageScore) cost(mtime uint64, valid, capacity int) (uint64, uint64) {
	age := s.accu * (s.max - mtime) / s.total * s.ageWeight
	u := s.accu * uint64(capacity-valid) / uint64(capacity) * (100 - s.ageWeight)
	return MaxCost - (age + u), age
}
