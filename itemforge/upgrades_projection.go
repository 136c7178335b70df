package itemforge

import "math"

// ProjectStat returns the upgraded value of a stat line. The percentage result
// is floored, then raised to at least base+rank so every rank is worth at
// least one point per rank even on tiny base values.
func ProjectStat(base int32, modPct float64, rank int) int32 {
	scaled := int32(math.Floor(float64(base) * (1 + modPct/100)))
	floor := base + int32(rank)
	if scaled < floor {
		return floor
	}
	return scaled
}

// ProjectWeaponDamage returns the upgraded weapon damage pair. Min damage is
// floored and max damage is ceiled, each independently raised to the same
// per-rank minimum as ProjectStat.
func ProjectWeaponDamage(minDamage, maxDamage, modPct float64, rank int) (float64, float64) {
	newMin := math.Floor(minDamage * (1 + modPct/100))
	newMax := math.Ceil(maxDamage * (1 + modPct/100))
	if f := minDamage + float64(rank); newMin < f {
		newMin = f
	}
	if f := maxDamage + float64(rank); newMax < f {
		newMax = f
	}
	return newMin, newMax
}

// ProjectItemLevel scales an item level by the ratio of upgraded to original
// stat sums, using integer division. An upgraded sum at or below the original
// leaves the item level untouched.
func ProjectItemLevel(originalStatSum, upgradedStatSum int64, baseItemLevel uint32) uint32 {
	if originalStatSum <= 0 || upgradedStatSum <= originalStatSum {
		return baseItemLevel
	}
	return uint32(int64(baseItemLevel) * upgradedStatSum / originalStatSum)
}
