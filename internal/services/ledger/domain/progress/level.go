// Package progress derives levels, streaks and hit-point bands from ledger facts.
package progress

import "sort"

// levelThresholds[i] is the total XP needed to reach level i+1.
var levelThresholds = []int64{
	0,
	100,
	250,
	500,
	1000,
	1750,
	2750,
	4000,
	5500,
	7500,
	10000,
	13000,
	16500,
	20500,
	25000,
}

// MaxLevel is the highest level in the threshold table.
var MaxLevel = len(levelThresholds)

// LevelForXP is the step function from total XP to level. Totals below zero
// map to level 1.
func LevelForXP(total int64) int {
	// Index of the first threshold strictly above total.
	idx := sort.Search(len(levelThresholds), func(i int) bool {
		return levelThresholds[i] > total
	})
	return max(idx, 1)
}

// NextLevel returns the level after an XP change. Levels never go down: a
// penalty that drops total XP below the current threshold keeps the level.
func NextLevel(current int, total int64) (level int, levelUp bool) {
	computed := LevelForXP(total)
	if computed > current {
		return computed, true
	}
	return max(current, 1), false
}

// ThresholdFor returns the XP needed for level, and false past MaxLevel.
func ThresholdFor(level int) (int64, bool) {
	if level < 1 || level > MaxLevel {
		return 0, false
	}
	return levelThresholds[level-1], true
}
