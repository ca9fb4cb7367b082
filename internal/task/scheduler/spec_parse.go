package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SpecKind says which trigger a schedule string maps to.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecDaily
)

// ParsedSpec is a schedule string resolved to one trigger.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string        // SpecCron
	Every time.Duration // SpecInterval
	At    string        // SpecDaily, "HH:MM" in the scheduler zone
}

var errEmptySchedule = errors.New("schedule is empty")

// ParseSchedule accepts:
//
//	"@hourly", "@every 30m", "0 3 * * *"   cron (descriptor or 5 fields)
//	"cron:<expr>"                          cron, no guessing
//	"30m", "every:2h", "interval:90m"      fixed interval
//	"daily:03:30"                          once a day at 03:30
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errEmptySchedule
	}

	prefix, rest, hasPrefix := strings.Cut(s, ":")
	if hasPrefix {
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(prefix) {
		case "cron":
			if rest == "" {
				return ParsedSpec{}, fmt.Errorf("cron: %w", errEmptySchedule)
			}
			return ParsedSpec{Kind: SpecCron, Cron: rest}, nil
		case "every", "interval":
			d, err := parseEvery(rest)
			if err != nil {
				return ParsedSpec{}, err
			}
			return ParsedSpec{Kind: SpecInterval, Every: d}, nil
		case "daily":
			if _, _, err := parseHHMM(rest); err != nil {
				return ParsedSpec{}, fmt.Errorf("daily: %w", err)
			}
			return ParsedSpec{Kind: SpecDaily, At: rest}, nil
		}
	}

	if strings.HasPrefix(s, "@") || len(strings.Fields(s)) > 1 {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if d, err := parseEvery(s); err == nil {
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	return ParsedSpec{}, fmt.Errorf("schedule %q: want a cron expression, a duration like 30m, or daily:HH:MM", raw)
}

func parseEvery(v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", v)
	}
	return d, nil
}
