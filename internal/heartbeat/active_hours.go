package heartbeat

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// withinActiveHours reports whether nowMs falls inside the schedule's
// configured daily window, evaluated in the window's timezone. Start and
// End are each compiled as a daily cron schedule ("M H * * *" at the
// window's location), so wrap-past-midnight windows (End's time-of-day
// not after Start's) are handled the same way a recurring cron job would
// handle them: the window runs from the most recent Start at or before
// now until the first End strictly after that Start.
func withinActiveHours(ah ActiveHours, nowMs int64) (bool, error) {
	if ah.Start == "" && ah.End == "" {
		return true, nil
	}

	loc := time.UTC
	if ah.TZ != "" {
		l, err := time.LoadLocation(ah.TZ)
		if err != nil {
			return false, fmt.Errorf("active_hours: load location %q: %w", ah.TZ, err)
		}
		loc = l
	}
	now := time.UnixMilli(nowMs).In(loc)

	startSched, err := dailyCronSchedule(ah.Start, loc)
	if err != nil {
		return false, fmt.Errorf("active_hours: start: %w", err)
	}
	endSched, err := dailyCronSchedule(ah.End, loc)
	if err != nil {
		return false, fmt.Errorf("active_hours: end: %w", err)
	}

	lastStart := startSched.Next(now.Add(-24*time.Hour - time.Second))
	if lastStart.After(now) {
		// now sits exactly at a period boundary; step back one more day.
		lastStart = startSched.Next(lastStart.Add(-24*time.Hour - time.Second))
	}
	nextEnd := endSched.Next(lastStart.Add(-time.Second))

	return !now.Before(lastStart) && now.Before(nextEnd), nil
}

// dailyCronSchedule compiles an "HH:MM" string into a standard 5-field
// cron schedule that fires once a day at that time, in loc.
func dailyCronSchedule(hhmm string, loc *time.Location) (cron.Schedule, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid time %q, want HH:MM", hhmm)
	}
	spec := fmt.Sprintf("CRON_TZ=%s %s %s * * *", loc.String(), parts[1], parts[0])
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", hhmm, err)
	}
	return sched, nil
}
