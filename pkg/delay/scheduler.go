// Package delay resolves delay-node configurations into concrete wake
// times or wait descriptors, applying quiet hours, weekend skips, and
// shared throttle buckets.
package delay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmail/journey/pkg/counter"
	"github.com/flowmail/journey/pkg/models"
)

const (
	// DefaultHorizon caps total deferral: a wake time pushed past this is
	// an error, never a silent indefinite wait.
	DefaultHorizon = 30 * 24 * time.Hour

	// DefaultMaxWait bounds wait_for_event / wait_for_attribute parks with
	// no configured max_wait.
	DefaultMaxWait = 7 * 24 * time.Hour

	businessHourStart = 9
	businessHourEnd   = 20
)

var (
	ErrHorizonExceeded = errors.New("delay deferral exceeded horizon")
	ErrBadDelayConfig  = errors.New("invalid delay configuration")
)

// Resolution is the outcome of resolving a delay node: either a concrete
// wake time or a wait descriptor for event/attribute parking.
type Resolution struct {
	WakeAt time.Time
	Wait   *models.WaitState
}

// Scheduler computes wake times. It is stateless apart from the shared
// counter service used for throttle buckets.
type Scheduler struct {
	counters counter.Service
	horizon  time.Duration
}

func NewScheduler(counters counter.Service) *Scheduler {
	return &Scheduler{counters: counters, horizon: DefaultHorizon}
}

// WithHorizon overrides the deferral cap. Test hook.
func (s *Scheduler) WithHorizon(horizon time.Duration) *Scheduler {
	s.horizon = horizon

	return s
}

// Resolve computes the wake descriptor for a delay node entered at now.
// journeyLoc is the journey's configured timezone, used when the delay
// config carries none of its own.
func (s *Scheduler) Resolve(ctx context.Context, nodeID string, cfg *models.DelayConfig, now time.Time, journeyLoc *time.Location) (*Resolution, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config on node %s", ErrBadDelayConfig, nodeID)
	}

	loc := s.location(cfg, journeyLoc)

	if cfg.IsWait() {
		return &Resolution{Wait: s.waitDescriptor(cfg, now)}, nil
	}

	naive, err := s.naiveWake(cfg, now, loc)
	if err != nil {
		return nil, err
	}

	wake, err := s.adjust(ctx, nodeID, cfg, now, naive, loc)
	if err != nil {
		return nil, err
	}

	return &Resolution{WakeAt: wake}, nil
}

func (s *Scheduler) location(cfg *models.DelayConfig, journeyLoc *time.Location) *time.Location {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			return loc
		}
	}

	if journeyLoc != nil {
		return journeyLoc
	}

	return time.UTC
}

func (s *Scheduler) waitDescriptor(cfg *models.DelayConfig, now time.Time) *models.WaitState {
	maxWait := DefaultMaxWait
	if cfg.MaxWait != nil {
		maxWait = cfg.MaxWait.ToDuration()
	}

	onTimeout := cfg.OnTimeout
	if onTimeout == "" {
		onTimeout = models.TimeoutContinue
	}

	wait := &models.WaitState{
		Deadline:  now.Add(maxWait),
		OnTimeout: onTimeout,
	}

	if cfg.Type == models.DelayWaitForEvent {
		wait.Kind = models.WaitKindEvent
		wait.EventName = cfg.EventName
	} else {
		wait.Kind = models.WaitKindAttribute
		wait.Property = cfg.AttributeProperty
		wait.Operator = cfg.AttributeOperator
		wait.Value = cfg.AttributeValue
	}

	return wait
}

func (s *Scheduler) naiveWake(cfg *models.DelayConfig, now time.Time, loc *time.Location) (time.Time, error) {
	switch cfg.Type {
	case models.DelayFixedTime:
		if cfg.Duration == nil {
			return time.Time{}, fmt.Errorf("%w: fixed_time without duration", ErrBadDelayConfig)
		}

		return now.Add(cfg.Duration.ToDuration()), nil

	case models.DelayWaitUntilTime:
		hour, minute, err := parseClock(cfg.TimeOfDay)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrBadDelayConfig, err)
		}

		return nextOccurrence(now, hour, minute, loc), nil

	case models.DelayOptimalSendTime:
		hour := s.optimalHour(cfg)

		return nextOccurrence(now, hour, 0, loc), nil

	default:
		return time.Time{}, fmt.Errorf("%w: type %q has no fixed wake time", ErrBadDelayConfig, cfg.Type)
	}
}

// optimalHour picks the midpoint of the configured window, clamped to
// business hours.
func (s *Scheduler) optimalHour(cfg *models.DelayConfig) int {
	start, end := cfg.WindowStartHour, cfg.WindowEndHour
	if end <= start {
		start, end = businessHourStart, businessHourEnd
	}

	hour := (start + end) / 2

	if hour < businessHourStart {
		hour = businessHourStart
	}

	if hour > businessHourEnd {
		hour = businessHourEnd
	}

	return hour
}

// adjust applies quiet hours, weekend skips, and throttle buckets to the
// naive wake time. Quiet hours are re-checked after every date shift, and
// throttle deferrals loop back through both adjustments until a slot is
// granted or the horizon is exceeded.
func (s *Scheduler) adjust(ctx context.Context, nodeID string, cfg *models.DelayConfig, now, wake time.Time, loc *time.Location) (time.Time, error) {
	deadline := now.Add(s.horizon)

	for {
		if wake.After(deadline) {
			return time.Time{}, fmt.Errorf("%w: node %s wake %s past %s", ErrHorizonExceeded, nodeID, wake, deadline)
		}

		wake = s.applyCalendar(cfg, wake, loc)

		if wake.After(deadline) {
			return time.Time{}, fmt.Errorf("%w: node %s wake %s past %s", ErrHorizonExceeded, nodeID, wake, deadline)
		}

		deferred, next, err := s.applyThrottle(ctx, nodeID, cfg, wake, loc)
		if err != nil {
			return time.Time{}, err
		}

		if !deferred {
			return wake, nil
		}

		wake = next
	}
}

func (s *Scheduler) applyCalendar(cfg *models.DelayConfig, wake time.Time, loc *time.Location) time.Time {
	wake = s.applyQuietHours(cfg, wake, loc)

	if cfg.HolidaySettings == nil || !cfg.HolidaySettings.SkipWeekends {
		return wake
	}

	for isWeekend(wake, loc) {
		wake = wake.AddDate(0, 0, 1)
		wake = s.applyQuietHours(cfg, wake, loc)
	}

	return wake
}

func (s *Scheduler) applyQuietHours(cfg *models.DelayConfig, wake time.Time, loc *time.Location) time.Time {
	qh := cfg.QuietHours
	if qh == nil || !qh.Enabled {
		return wake
	}

	qloc := loc

	if qh.Timezone != "" {
		if parsed, err := time.LoadLocation(qh.Timezone); err == nil {
			qloc = parsed
		}
	}

	startH, startM, err := parseClock(qh.StartTime)
	if err != nil {
		return wake
	}

	endH, endM, err := parseClock(qh.EndTime)
	if err != nil {
		return wake
	}

	local := wake.In(qloc)
	minutes := local.Hour()*60 + local.Minute()
	start := startH*60 + startM
	end := endH*60 + endM

	if start == end {
		return wake
	}

	crossesMidnight := end < start

	var inWindow bool
	if crossesMidnight {
		inWindow = minutes >= start || minutes < end
	} else {
		inWindow = minutes >= start && minutes < end
	}

	if !inWindow {
		return wake
	}

	// Push forward to the end of this quiet occurrence.
	endDay := local
	if crossesMidnight && minutes >= start {
		endDay = endDay.AddDate(0, 0, 1)
	}

	return time.Date(endDay.Year(), endDay.Month(), endDay.Day(), endH, endM, 0, 0, qloc)
}

// applyThrottle reserves hour and day slots for the wake time. A denied
// bucket defers to its next boundary; the caller re-runs the calendar
// adjustments on the deferred time. An hour slot burned on a full day
// bucket is accepted waste.
func (s *Scheduler) applyThrottle(ctx context.Context, nodeID string, cfg *models.DelayConfig, wake time.Time, loc *time.Location) (bool, time.Time, error) {
	th := cfg.Throttling
	if th == nil || !th.Enabled || s.counters == nil {
		return false, wake, nil
	}

	if th.MaxUsersPerHour > 0 {
		bucket := counter.HourBucket(wake)

		granted, err := s.counters.Reserve(ctx, "throttle:hour:"+nodeID, bucket, 2*time.Hour, th.MaxUsersPerHour)
		if err != nil {
			return false, wake, fmt.Errorf("failed to reserve hour throttle for node %s: %w", nodeID, err)
		}

		if !granted {
			return true, bucket.Add(time.Hour), nil
		}
	}

	if th.MaxUsersPerDay > 0 {
		bucket := counter.DayBucket(wake, loc)

		granted, err := s.counters.Reserve(ctx, "throttle:day:"+nodeID, bucket, 48*time.Hour, th.MaxUsersPerDay)
		if err != nil {
			return false, wake, fmt.Errorf("failed to reserve day throttle for node %s: %w", nodeID, err)
		}

		if !granted {
			return true, bucket.AddDate(0, 0, 1), nil
		}
	}

	return false, wake, nil
}

func isWeekend(t time.Time, loc *time.Location) bool {
	day := t.In(loc).Weekday()

	return day == time.Saturday || day == time.Sunday
}

// nextOccurrence returns the next time-of-day occurrence in loc: today if
// still ahead of now, otherwise tomorrow.
func nextOccurrence(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)

	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	return candidate
}

func parseClock(value string) (int, int, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", value, err)
	}

	return parsed.Hour(), parsed.Minute(), nil
}
