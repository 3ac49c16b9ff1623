package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"ruleflow/internal/models"
)

// InitialDelay computes how long a freshly dispatched execution waits before
// its first step, according to the rule's delay policy.
func InitialDelay(p models.DelayPolicy, now time.Time) (time.Duration, error) {
	switch p.Type {
	case "", models.DelayImmediate:
		return 0, nil
	case models.DelayFixed:
		if p.Seconds < 0 {
			return 0, fmt.Errorf("fixed delay must not be negative: %d", p.Seconds)
		}
		return time.Duration(p.Seconds) * time.Second, nil
	case models.DelayScheduledTime:
		next, err := NextScheduledTime(p, now)
		if err != nil {
			return 0, err
		}
		return next.Sub(now), nil
	default:
		return 0, fmt.Errorf("unknown delay policy %q", p.Type)
	}
}

// NextScheduledTime returns the next occurrence of the policy's wall-clock
// time (or cron spec) in its timezone, strictly after now.
func NextScheduledTime(p models.DelayPolicy, now time.Time) (time.Time, error) {
	loc := time.UTC
	if p.Timezone != "" {
		l, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", p.Timezone, err)
		}
		loc = l
	}
	spec := p.Cron
	if spec == "" {
		hour, minute, err := parseClock(p.Time)
		if err != nil {
			return time.Time{}, err
		}
		spec = fmt.Sprintf("%d %d * * *", minute, hour)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", spec)
	}
	return next, nil
}

func parseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("scheduled time must be HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ValidateDelayPolicy checks a policy without computing a delay.
func ValidateDelayPolicy(p models.DelayPolicy) error {
	_, err := InitialDelay(p, time.Now())
	return err
}
