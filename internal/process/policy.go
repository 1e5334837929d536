package process

import "time"

// Schedule is the restart schedule derived on every successful start.
type Schedule struct {
	StartTime   time.Time `json:"start_time"`
	NextRestart time.Time `json:"next_restart"`
}

// NewSchedule computes the schedule for a run that started at start.
func NewSchedule(start time.Time, timeOfDay time.Duration) Schedule {
	return Schedule{
		StartTime:   start,
		NextRestart: NextRestartTime(start, timeOfDay),
	}
}

// NextRestartTime returns start's calendar date at timeOfDay, rolled forward
// one day when that moment is not strictly after start. The result is always
// later than start.
//
// The time of day is applied as wall-clock hours/minutes/seconds in start's
// location, so a 04:00 restart stays at 04:00 across DST changes.
func NextRestartTime(start time.Time, timeOfDay time.Duration) time.Time {
	if timeOfDay < 0 || timeOfDay >= day {
		timeOfDay = DefaultDailyRestartTime
	}

	hour := int(timeOfDay / time.Hour)
	minute := int(timeOfDay % time.Hour / time.Minute)
	sec := int(timeOfDay % time.Minute / time.Second)
	nsec := int(timeOfDay % time.Second)

	y, m, d := start.Date()
	next := time.Date(y, m, d, hour, minute, sec, nsec, start.Location())
	for !next.After(start) {
		d++
		next = time.Date(y, m, d, hour, minute, sec, nsec, start.Location())
	}
	return next
}

// ShouldRestartAfterExit reports whether an exit should trigger a restart.
// Only unplanned exits are eligible, and only when RestartOnCrash is set.
func ShouldRestartAfterExit(unplanned bool, cfg RestartConfig) bool {
	return unplanned && cfg.RestartOnCrash
}

// ShouldRestartOnSchedule reports whether the daily restart is due.
func ShouldRestartOnSchedule(cfg RestartConfig, now time.Time, sched Schedule) bool {
	if !cfg.ScheduledRestart || sched.NextRestart.IsZero() {
		return false
	}
	return !now.Before(sched.NextRestart)
}
