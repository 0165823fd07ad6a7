package habits

import (
	"sort"
	"time"
)

const dayLayout = "2006-01-02"

// Streak counts the consecutive periods with at least one check-in, ending at the
// period containing today. The current period counts as not yet broken, so a streak
// ending in the previous period is still current.
func Streak(days []string, frequency Frequency, today time.Time) int {
	periods := make(map[int]bool, len(days))
	for _, day := range days {
		parsed, err := time.Parse(dayLayout, day)
		if err != nil {
			continue
		}
		periods[periodIndex(parsed, frequency)] = true
	}
	current := periodIndex(today, frequency)
	if !periods[current] {
		current--
	}
	streak := 0
	for periods[current] {
		streak++
		current--
	}
	return streak
}

// BestStreak returns the longest run of consecutive periods with a check-in.
func BestStreak(days []string, frequency Frequency) int {
	indexes := make([]int, 0, len(days))
	seen := make(map[int]bool, len(days))
	for _, day := range days {
		parsed, err := time.Parse(dayLayout, day)
		if err != nil {
			continue
		}
		index := periodIndex(parsed, frequency)
		if seen[index] {
			continue
		}
		seen[index] = true
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	best, run := 0, 0
	for position, index := range indexes {
		if position > 0 && index == indexes[position-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// periodIndex numbers days, ISO weeks or months consecutively.
func periodIndex(day time.Time, frequency Frequency) int {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	switch frequency {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		monday := day.AddDate(0, 0, -offset)
		return int(monday.Unix()/86400) / 7
	case Monthly:
		return day.Year()*12 + int(day.Month()) - 1
	default:
		return int(day.Unix() / 86400)
	}
}
