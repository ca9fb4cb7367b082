// Package timeparse turns short natural-language phrases ("in 5 minutes",
// "tomorrow at 3pm", "next friday") into absolute times in a given location.
//
// Parse is pure: it never reads the wall clock and never panics on input.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse interprets text relative to now in loc. ok is false when no rule matches.
func Parse(text string, loc *time.Location, now time.Time) (t time.Time, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t, ok = time.Time{}, false
		}
	}()
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return time.Time{}, false
	}

	if t, ok := parseKeyword(s, now); ok {
		return t, true
	}
	if t, ok := parseRelative(s, now); ok {
		return t, true
	}
	if strings.Contains(s, "tomorrow") && strings.Contains(s, "at") {
		if h, m, ok := parseClock(afterLastAt(s), tomorrowFormats); ok {
			return atClock(now, 1, h, m), true
		}
	}
	if t, ok := parseWeekday(s, now); ok {
		return t, true
	}
	return time.Time{}, false
}

// ParseIn resolves tzName with time.LoadLocation and calls Parse.
// An unknown zone yields no result.
func ParseIn(text, tzName string, now time.Time) (time.Time, bool) {
	loc, err := time.LoadLocation(strings.TrimSpace(tzName))
	if err != nil || strings.TrimSpace(tzName) == "" {
		return time.Time{}, false
	}
	return Parse(text, loc, now)
}

func parseKeyword(s string, now time.Time) (time.Time, bool) {
	switch s {
	case "tomorrow":
		return atClock(now, 1, 9, 0), true
	case "tonight":
		return atClock(now, 0, 20, 0), true
	case "noon", "midday":
		if now.Hour() >= 12 {
			return atClock(now, 1, 12, 0), true
		}
		return atClock(now, 0, 12, 0), true
	case "midnight":
		return atClock(now, 1, 0, 0), true
	}
	return time.Time{}, false
}

var informal = map[string]time.Duration{
	"a minute":      time.Minute,
	"1 minute":      time.Minute,
	"a few minutes": 3 * time.Minute,
	"few minutes":   3 * time.Minute,
	"a second":      time.Second,
	"1 second":      time.Second,
	"a few seconds": 5 * time.Second,
	"few seconds":   5 * time.Second,
}

// units maps a unit word to its length in seconds.
var units = map[string]int64{
	"second": 1, "sec": 1, "s": 1,
	"minute": 60, "min": 60, "m": 60,
	"hour": 3600, "hr": 3600, "h": 3600,
	"day": secondsPerDay, "d": secondsPerDay,
	"week": 7 * secondsPerDay, "w": 7 * secondsPerDay,
	"month": 30 * secondsPerDay,
}

const (
	secondsPerDay = 24 * 3600
	// maxOffset keeps relative results well inside year 9999 and far from
	// time.Duration overflow, which tops out near 292 years.
	maxOffsetSeconds = 7000 * 366 * secondsPerDay
	maxYear          = 9999
)

// span is a relative offset in whole seconds plus a sub-second rest. Large
// amounts are added through Unix seconds so they never overflow time.Duration.
type span struct {
	secs int64
	rest time.Duration
}

func (sp span) from(now time.Time) (time.Time, bool) {
	t := time.Unix(now.Unix()+sp.secs, int64(now.Nanosecond())).In(now.Location()).Add(sp.rest)
	if t.Year() > maxYear {
		return time.Time{}, false
	}
	return t, true
}

func spanOf(n int, unitSeconds int64) (span, bool) {
	if n < 0 || int64(n) > maxOffsetSeconds/unitSeconds {
		return span{}, false
	}
	return span{secs: int64(n) * unitSeconds}, true
}

// parseRelative handles "in <n> <unit>" and "<n> <unit> from now". Text that
// starts with "in " is only tried in its prefixed form unless the amount is
// not a number, in which case the bare form gets a chance too.
func parseRelative(s string, now time.Time) (time.Time, bool) {
	if strings.HasPrefix(s, "in ") {
		sp, matched, numeric := relativeAmount(s[3:])
		if matched {
			return sp.from(now)
		}
		if numeric {
			return time.Time{}, false
		}
	}
	if sp, matched, _ := relativeAmount(s); matched {
		return sp.from(now)
	}
	return time.Time{}, false
}

// relativeAmount reports the offset, whether it matched, and whether the
// amount token was numeric (an unknown unit or an out-of-range amount after a
// valid amount ends the search).
func relativeAmount(rest string) (span, bool, bool) {
	rest = strings.TrimSpace(rest)
	if strings.Contains(rest, "from now") {
		rest = strings.TrimSpace(strings.ReplaceAll(rest, "from now", ""))
	}
	rest = strings.ReplaceAll(rest, "about ", "")
	rest = strings.TrimSpace(strings.ReplaceAll(rest, "around ", ""))

	if d, ok := informal[rest]; ok {
		return span{rest: d}, true, true
	}
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return span{}, false, true
	}
	n, ok := amount(parts[0])
	if !ok {
		return span{}, false, false
	}
	unit, ok := units[strings.TrimRight(parts[1], "s")]
	if !ok {
		return span{}, false, true
	}
	sp, ok := spanOf(n, unit)
	return sp, ok, true
}

func amount(tok string) (int, bool) {
	if n, err := strconv.Atoi(tok); err == nil {
		return n, true
	}
	n, ok := numberWords[tok]
	return n, ok
}

var weekdays = []struct {
	name string
	day  time.Weekday
}{
	{"monday", time.Monday},
	{"tuesday", time.Tuesday},
	{"wednesday", time.Wednesday},
	{"thursday", time.Thursday},
	{"friday", time.Friday},
	{"saturday", time.Saturday},
	{"sunday", time.Sunday},
}

func parseWeekday(s string, now time.Time) (time.Time, bool) {
	for _, wd := range weekdays {
		if !strings.Contains(s, wd.name) {
			continue
		}
		ahead := (int(wd.day) - int(now.Weekday()) + 7) % 7
		if ahead == 0 && (strings.Contains(s, "next") || now.Hour() >= 12) {
			ahead = 7
		}
		h, m := 9, 0
		if strings.Contains(s, "at") {
			if ph, pm, ok := parseClock(afterLastAt(s), weekdayFormats); ok {
				h, m = ph, pm
			}
		}
		return atClock(now, ahead, h, m), true
	}
	return time.Time{}, false
}

// afterLastAt mirrors a plain substring split: "saturday" contains "at" too.
func afterLastAt(s string) string {
	i := strings.LastIndex(s, "at")
	if i < 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(s[i+2:]))
}

func atClock(now time.Time, addDays, hour, minute int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+addDays, hour, minute, 0, 0, now.Location())
}

type clockFormat struct {
	re       *regexp.Regexp
	meridiem bool
}

var (
	fmtHMSpaceP = clockFormat{regexp.MustCompile(`^(\d{1,2}):(\d{1,2})\s+(AM|PM)$`), true}
	fmtHMP      = clockFormat{regexp.MustCompile(`^(\d{1,2}):(\d{1,2})(AM|PM)$`), true}
	fmtHSpaceP  = clockFormat{regexp.MustCompile(`^(\d{1,2})()\s+(AM|PM)$`), true}
	fmtHP       = clockFormat{regexp.MustCompile(`^(\d{1,2})()(AM|PM)$`), true}
	fmtHM24     = clockFormat{regexp.MustCompile(`^(\d{1,2}):(\d{1,2})()$`), false}

	tomorrowFormats = []clockFormat{fmtHMSpaceP, fmtHMP, fmtHSpaceP, fmtHP, fmtHM24}
	weekdayFormats  = []clockFormat{fmtHMSpaceP, fmtHMP, fmtHSpaceP, fmtHM24}
)

// parseClock tries formats in order; the first one that matches and yields a
// valid clock wins. s must already be upper-cased.
func parseClock(s string, formats []clockFormat) (hour, minute int, ok bool) {
	for _, f := range formats {
		m := f.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		h, _ := strconv.Atoi(m[1])
		mi := 0
		if m[2] != "" {
			mi, _ = strconv.Atoi(m[2])
		}
		if mi > 59 {
			continue
		}
		if f.meridiem {
			if h < 1 || h > 12 {
				continue
			}
			h %= 12
			if m[3] == "PM" {
				h += 12
			}
		} else if h > 23 {
			continue
		}
		return h, mi, true
	}
	return 0, 0, false
}
