package progress

import (
	_ "time/tzdata" // timezones must resolve on hosts without zoneinfo

	"sort"
	"strings"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
)

// DateLayout is the date-only format used for user-days.
const DateLayout = "2006-01-02"

// LoadLocation resolves an IANA timezone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperrors.WithMetadata(apperrors.CodeTimezoneInvalid, "load timezone "+tz, map[string]string{"Timezone": tz})
	}
	return loc, nil
}

// DayKey returns the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// ParseDate validates a YYYY-MM-DD day and returns it in canonical form.
func ParseDate(date string) (string, error) {
	date = strings.TrimSpace(date)
	parsed, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", apperrors.WithMetadata(apperrors.CodeDateInvalid, "parse date "+date, map[string]string{"Date": date})
	}
	return parsed.Format(DateLayout), nil
}

// Streak is the derived streak state for one user.
type Streak struct {
	Current int
	Longest int
}

// ComputeStreak derives streaks from the days with qualifying activity.
//
// The current streak counts back from today, or from yesterday when today has
// no activity yet, since the day is not over. Any gap day breaks the run.
func ComputeStreak(activeDays []string, today string) Streak {
	days := uniqueSortedDays(activeDays)
	if len(days) == 0 {
		return Streak{}
	}

	longest, run := 1, 1
	for i := 1; i < len(days); i++ {
		if consecutive(days[i-1], days[i]) {
			run++
		} else {
			run = 1
		}
		longest = max(longest, run)
	}

	set := make(map[string]struct{}, len(days))
	for _, day := range days {
		set[day] = struct{}{}
	}
	anchor, ok := parseDay(today)
	if !ok {
		return Streak{Longest: longest}
	}
	if _, active := set[anchor.Format(DateLayout)]; !active {
		anchor = anchor.AddDate(0, 0, -1)
	}
	current := 0
	for {
		if _, active := set[anchor.Format(DateLayout)]; !active {
			break
		}
		current++
		anchor = anchor.AddDate(0, 0, -1)
	}
	return Streak{Current: current, Longest: max(longest, current)}
}

func uniqueSortedDays(days []string) []string {
	seen := make(map[string]struct{}, len(days))
	out := make([]string, 0, len(days))
	for _, day := range days {
		parsed, ok := parseDay(day)
		if !ok {
			continue
		}
		key := parsed.Format(DateLayout)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func consecutive(prev, next string) bool {
	p, okPrev := parseDay(prev)
	n, okNext := parseDay(next)
	return okPrev && okNext && p.AddDate(0, 0, 1).Equal(n)
}

func parseDay(day string) (time.Time, bool) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(day))
	return parsed, err == nil
}
