package report

import (
	"math"
	"sort"
)

// rankingSize caps every ranking section.
const rankingSize = 5

// round1 rounds half away from zero to one decimal.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// rate returns 100*part/total rounded to one decimal. A zero total yields 0,
// never NaN.
func rate(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return round1(100 * part / total)
}

// average returns sum/count rounded to two decimals, 0 for an empty set.
func average(sum float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return round2(sum / float64(count))
}

type rankEntry struct {
	Label string
	Value float64
}

// topRanked sorts entries descending by value, ties broken by label
// ascending, and keeps the first rankingSize.
func topRanked(entries []rankEntry) []rankEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		return entries[i].Label < entries[j].Label
	})
	if len(entries) > rankingSize {
		entries = entries[:rankingSize]
	}
	return entries
}

// rankFromCounts folds a label->count map into a ranking.
func rankFromCounts(counts map[string]float64) []rankEntry {
	entries := make([]rankEntry, 0, len(counts))
	for label, value := range counts {
		entries = append(entries, rankEntry{Label: label, Value: value})
	}
	return topRanked(entries)
}
