package nighttime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SCHEDULE DESCRIPTORS
// =============================================================================
// Two forms: "HH:MM" fires daily at that wall-clock time, "@every <dur>"
// fires on a fixed interval. No cron library in the stack covers both, so
// parsing lives here.

// Schedule is a parsed descriptor.
type Schedule struct {
	raw      string
	interval time.Duration // @every form
	hour     int           // HH:MM form
	minute   int
	daily    bool
}

// ParseSchedule accepts "HH:MM" or "@every <duration>".
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid @every duration %q: %w", rest, err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("@every duration must be positive, got %s", d)
		}
		return Schedule{raw: s, interval: d}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Schedule{}, fmt.Errorf("invalid schedule %q: want HH:MM or @every <dur>", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Schedule{}, fmt.Errorf("invalid hour in schedule %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Schedule{}, fmt.Errorf("invalid minute in schedule %q", s)
	}
	return Schedule{raw: s, hour: h, minute: m, daily: true}, nil
}

// Next returns the first firing time strictly after the given instant.
func (s Schedule) Next(after time.Time) time.Time {
	if !s.daily {
		return after.Add(s.interval)
	}
	next := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.minute, 0, 0, after.Location())
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// String returns the original descriptor.
func (s Schedule) String() string { return s.raw }
