package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schedule is a parsed five-field cron expression. Each field is a bitset of
// the values it admits.
type schedule struct {
	minute, hour, dom, month, dow uint64
	// domAny and dowAny record a literal "*". When both day fields are
	// restricted a day matches if either does, as in Vixie cron.
	domAny, dowAny bool
}

type cronBounds struct {
	name   string
	lo, hi int
}

var cronFields = [5]cronBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// parseSchedule parses "minute hour day-of-month month day-of-week". Each
// field takes "*", a value, a range "a-b", a step "*/n" or "a-b/n", and
// comma-separated lists of those. Day-of-week 7 is Sunday.
func parseSchedule(expr string) (schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return schedule{}, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(parts))
	}
	var sets [5]uint64
	for i, p := range parts {
		set, err := parseCronSet(p, cronFields[i])
		if err != nil {
			return schedule{}, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	s := schedule{
		minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4],
		domAny: parts[2] == "*",
		dowAny: parts[4] == "*",
	}
	if s.dow&(1<<7) != 0 {
		s.dow |= 1
	}
	return s, nil
}

func parseCronSet(field string, b cronBounds) (uint64, error) {
	var set uint64
	for _, term := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(term, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("%s: bad step %q", b.name, term)
			}
			step = n
		}

		lo, hi := b.lo, b.hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			from, to, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = cronValue(from, b); err != nil {
				return 0, err
			}
			if hi, err = cronValue(to, b); err != nil {
				return 0, err
			}
			if lo > hi {
				return 0, fmt.Errorf("%s: empty range %q", b.name, rng)
			}
		default:
			v, err := cronValue(rng, b)
			if err != nil {
				return 0, err
			}
			lo = v
			if !hasStep {
				hi = v
			}
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func cronValue(s string, b cronBounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < b.lo || v > b.hi {
		return 0, fmt.Errorf("%s: %q outside %d-%d", b.name, s, b.lo, b.hi)
	}
	return v, nil
}

func (s schedule) dayMatches(t time.Time) bool {
	dom := s.dom&(1<<uint(t.Day())) != 0
	dow := s.dow&(1<<uint(t.Weekday())) != 0
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dow
	case s.dowAny:
		return dom
	default:
		return dom || dow
	}
}

// next returns the first minute strictly after t that the schedule admits,
// in t's location. Non-matching months, days and hours are skipped whole.
func (s schedule) next(t time.Time) (time.Time, bool) {
	c := t.Truncate(time.Minute).Add(time.Minute)
	limit := c.AddDate(5, 0, 0)
	for c.Before(limit) {
		switch {
		case s.month&(1<<uint(c.Month())) == 0:
			c = time.Date(c.Year(), c.Month()+1, 1, 0, 0, 0, 0, c.Location())
		case !s.dayMatches(c):
			c = time.Date(c.Year(), c.Month(), c.Day()+1, 0, 0, 0, 0, c.Location())
		case s.hour&(1<<uint(c.Hour())) == 0:
			c = c.Truncate(time.Hour).Add(time.Hour)
		case s.minute&(1<<uint(c.Minute())) == 0:
			c = c.Add(time.Minute)
		default:
			return c, true
		}
	}
	return time.Time{}, false
}

// nextCronTime parses expr and returns its first trigger after t.
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	s, err := parseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := s.next(after)
	if !ok {
		return time.Time{}, fmt.Errorf("cron %q never fires", expr)
	}
	return next, nil
}
