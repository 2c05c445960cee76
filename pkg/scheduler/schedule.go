package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"
)

// catchUpGrace is how long after a missed daily-equivalent cron moment the
// task still fires.
const catchUpGrace = 6 * time.Hour

type scheduleKind int

const (
	kindEvery scheduleKind = iota
	kindDaily
	kindOnce
	kindCron
)

// schedule is one parsed schedule string.
type schedule struct {
	kind     scheduleKind
	interval time.Duration // every
	hour     int           // daily, daily-equivalent cron
	minute   int
	target   time.Time // once
	expr     string    // cron
	// dailyEquivalent marks crons with literal minute+hour and wildcard
	// day-of-month/month; those get missed-run catch-up.
	dailyEquivalent bool
}

var (
	everyRe = regexp.MustCompile(`(?i)^every\s+(\d+)\s+(minute|hour|day)s?$`)
	dailyRe = regexp.MustCompile(`(?i)^daily\s+at\s+(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	onceRe  = regexp.MustCompile(`(?i)^once\s+at\s+(.+)$`)
)

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseSchedule(raw string) (*schedule, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("schedule must not be empty")
	}

	if m := everyRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, errors.Errorf("invalid interval %q", m[1])
		}
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		}
		return &schedule{kind: kindEvery, interval: time.Duration(n) * unit}, nil
	}

	if m := dailyRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		switch strings.ToLower(m[3]) {
		case "pm":
			if hour > 12 {
				return nil, errors.Errorf("invalid 12-hour time %q", raw)
			}
			if hour != 12 {
				hour += 12
			}
		case "am":
			if hour > 12 {
				return nil, errors.Errorf("invalid 12-hour time %q", raw)
			}
			if hour == 12 {
				hour = 0
			}
		}
		if hour > 23 || minute > 59 {
			return nil, errors.Errorf("invalid time of day %q", raw)
		}
		return &schedule{kind: kindDaily, hour: hour, minute: minute}, nil
	}

	if m := onceRe.FindStringSubmatch(text); m != nil {
		spec := strings.TrimSpace(m[1])
		for _, layout := range isoLayouts {
			if target, err := time.ParseInLocation(layout, spec, time.Local); err == nil {
				return &schedule{kind: kindOnce, target: target}, nil
			}
		}
		return nil, errors.Errorf("invalid ISO-8601 timestamp %q", spec)
	}

	if fields := strings.Fields(text); len(fields) == 5 {
		if !gronx.New().IsValid(text) {
			return nil, errors.Errorf("invalid cron expression %q", raw)
		}
		sched := &schedule{kind: kindCron, expr: text}
		if minute, hour, ok := dailyEquivalentFields(fields); ok {
			sched.dailyEquivalent = true
			sched.minute = minute
			sched.hour = hour
		}
		return sched, nil
	}

	return nil, errors.Errorf("unrecognized schedule %q", raw)
}

// dailyEquivalentFields detects crons that fire once a day at a fixed time:
// literal minute and hour, wildcard day-of-month and month, any weekday.
func dailyEquivalentFields(fields []string) (minute, hour int, ok bool) {
	minute, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}
	hour, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	if fields[2] != "*" || fields[3] != "*" {
		return 0, 0, false
	}
	return minute, hour, true
}

// due decides whether the task fires at now. deactivate is set for one-shot
// schedules that just fired.
func (s *schedule) due(now, lastRun time.Time) (fire, deactivate bool, err error) {
	switch s.kind {
	case kindEvery:
		return lastRun.IsZero() || now.Sub(lastRun) >= s.interval, false, nil

	case kindDaily:
		target := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
		return !now.Before(target) && lastRun.Before(target), false, nil

	case kindOnce:
		return !now.Before(s.target), true, nil

	case kindCron:
		isDue, err := gronx.New().IsDue(s.expr, now)
		if err != nil {
			return false, false, errors.Wrap(err, "cron evaluation failed")
		}
		// One fire per minute: a run stamped within the same minute
		// already covered this tick.
		if isDue && lastRun.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			isDue = false
		}
		if isDue {
			return true, false, nil
		}
		if s.dailyEquivalent {
			target := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
			if now.After(target) && lastRun.Before(target) && now.Sub(target) < catchUpGrace {
				return true, false, nil
			}
		}
		return false, false, nil
	}
	return false, false, errors.New("unknown schedule kind")
}

// next estimates the next fire time, for listings. ok is false when the
// schedule will not fire again.
func (s *schedule) next(now, lastRun time.Time) (time.Time, bool) {
	switch s.kind {
	case kindEvery:
		if lastRun.IsZero() {
			return now, true
		}
		return lastRun.Add(s.interval), true
	case kindDaily:
		target := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
		if now.Before(target) {
			return target, true
		}
		return target.AddDate(0, 0, 1), true
	case kindOnce:
		if now.Before(s.target) {
			return s.target, true
		}
		return time.Time{}, false
	case kindCron:
		tick, err := gronx.NextTickAfter(s.expr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return tick, true
	}
	return time.Time{}, false
}

// NextFire exposes the next-fire estimate for a task's schedule string.
func NextFire(raw string, now, lastRun time.Time) (time.Time, bool) {
	sched, err := parseSchedule(raw)
	if err != nil {
		return time.Time{}, false
	}
	return sched.next(now, lastRun)
}
