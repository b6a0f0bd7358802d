package dispatch

import (
	"slices"
	"time"

	"github.com/flowmail/journey/pkg/models"
)

// windowLocation resolves the send window's timezone, falling back to the
// journey location.
func windowLocation(sw *models.SendWindow, fallback *time.Location) *time.Location {
	if sw.Timezone != "" {
		if loc, err := time.LoadLocation(sw.Timezone); err == nil {
			return loc
		}
	}

	if fallback != nil {
		return fallback
	}

	return time.UTC
}

func parseClock(value string) (hour, minute int, ok bool) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, false
	}

	return parsed.Hour(), parsed.Minute(), true
}

// withinSendWindow reports whether now falls inside the configured
// day-of-week plus time-of-day window.
func withinSendWindow(sw *models.SendWindow, now time.Time, fallback *time.Location) bool {
	if sw == nil || !sw.Enabled {
		return true
	}

	loc := windowLocation(sw, fallback)
	local := now.In(loc)

	if len(sw.DaysOfWeek) > 0 && !slices.Contains(sw.DaysOfWeek, int(local.Weekday())) {
		return false
	}

	startH, startM, ok := parseClock(sw.StartTime)
	if !ok {
		return true
	}

	endH, endM, ok := parseClock(sw.EndTime)
	if !ok {
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	start := startH*60 + startM
	end := endH*60 + endM

	if start == end {
		return true
	}

	if end < start {
		return minutes >= start || minutes < end
	}

	return minutes >= start && minutes < end
}

// nextSendWindowStart returns the earliest window start strictly after now.
func nextSendWindowStart(sw *models.SendWindow, now time.Time, fallback *time.Location) time.Time {
	loc := windowLocation(sw, fallback)
	local := now.In(loc)

	startH, startM, ok := parseClock(sw.StartTime)
	if !ok {
		startH, startM = 0, 0
	}

	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), startH, startM, 0, 0, loc)

		if !candidate.After(local) {
			continue
		}

		if len(sw.DaysOfWeek) > 0 && !slices.Contains(sw.DaysOfWeek, int(candidate.Weekday())) {
			continue
		}

		return candidate
	}

	// No allowed day configured; fall back to the same time next week.
	return local.AddDate(0, 0, 7)
}
