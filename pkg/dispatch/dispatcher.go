// Package dispatch sends WhatsApp action-node messages through the
// messaging gateway, honoring send windows, rate limits, and retry policy.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmail/journey/pkg/counter"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/protocol"
)

// Synthetic outcomes the dispatcher can produce in addition to the gateway
// outcomes defined on models.
const (
	OutcomeSkipped = "skipped"
)

// Result is the outcome of one dispatch attempt sequence.
type Result struct {
	// Outcome keys into the node's exit paths: "sent", "failed", or
	// "skipped". Empty when Deferred.
	Outcome   string
	MessageID string
	Attempts  int

	// Deferred parks the enrollment WAITING until WakeAt without consuming
	// a retry. Reason distinguishes a send-window hold from a rate-limit
	// deferral in the execution log.
	Deferred bool
	WakeAt   time.Time
	Reason   models.LogEventType

	// Fallback is set when retries are exhausted or a permanent failure
	// occurred and no "failed" exit path should win over it.
	Fallback models.FallbackAction
	Err      error
}

// Dispatcher coordinates preconditions, windows, limits, and retries
// around the messaging gateway.
type Dispatcher struct {
	gateway    protocol.MessagingGateway
	attributes protocol.AttributeProvider
	counters   counter.Service
	logger     *slog.Logger

	// sleep and now are swapped out in tests to avoid real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(gateway protocol.MessagingGateway, attributes protocol.AttributeProvider, counters counter.Service, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		gateway:    gateway,
		attributes: attributes,
		counters:   counters,
		logger:     logger.With("module", "dispatcher"),
		sleep:      sleepContext,
		now:        time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch runs the full precondition + send sequence for an action node.
// A returned error means the dispatcher itself failed (collaborator
// outage); send failures are reported in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, enrollment *models.Enrollment, nodeID string, cfg *models.WhatsAppActionConfig, now time.Time, loc *time.Location) (*Result, error) {
	logger := d.logger.With("enrollment_id", enrollment.ID, "node_id", nodeID)

	// Template approval is checked before anything else: an unapproved
	// template is a permanent failure, never retried.
	if cfg.TemplateStatus != models.TemplateApproved {
		logger.WarnContext(ctx, "Template not approved, failing dispatch", "template_id", cfg.TemplateID, "status", cfg.TemplateStatus)

		return &Result{
			Outcome:  models.ActionOutcomeFailed,
			Fallback: fallbackOf(cfg),
			Err:      protocol.NewPermanentError("template_not_approved", string(cfg.TemplateStatus)),
		}, nil
	}

	if cfg.SkipIfOptedOut {
		optedOut, err := d.attributes.IsOptedOut(ctx, enrollment.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to check opt-out for customer %s: %w", enrollment.CustomerID, err)
		}

		if optedOut {
			logger.InfoContext(ctx, "Customer opted out, skipping send")

			return &Result{Outcome: OutcomeSkipped}, nil
		}
	}

	if deferred := d.checkSendWindow(cfg, now, loc); deferred != nil {
		return deferred, nil
	}

	deferred, err := d.reserveRateLimits(ctx, enrollment, nodeID, cfg, now, loc)
	if err != nil {
		return nil, err
	}

	if deferred != nil {
		return deferred, nil
	}

	return d.sendWithRetries(ctx, enrollment, cfg, now, loc, logger)
}

func (d *Dispatcher) checkSendWindow(cfg *models.WhatsAppActionConfig, now time.Time, loc *time.Location) *Result {
	if withinSendWindow(cfg.SendWindow, now, loc) {
		return nil
	}

	return &Result{
		Deferred: true,
		WakeAt:   nextSendWindowStart(cfg.SendWindow, now, loc),
		Reason:   models.LogSendDeferred,
	}
}

// reserveRateLimits takes day and week slots for the customer. A denied
// bucket defers the send to the next period boundary; this is a normal
// WAITING transition, not a failure.
func (d *Dispatcher) reserveRateLimits(ctx context.Context, enrollment *models.Enrollment, nodeID string, cfg *models.WhatsAppActionConfig, now time.Time, loc *time.Location) (*Result, error) {
	rl := cfg.RateLimiting
	if rl == nil || !rl.Enabled || d.counters == nil {
		return nil, nil
	}

	if rl.MaxPerDay > 0 {
		bucket := counter.DayBucket(now, loc)

		granted, err := d.counters.Reserve(ctx, "rate:day:"+enrollment.CustomerID, bucket, 48*time.Hour, rl.MaxPerDay)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve daily rate limit: %w", err)
		}

		if !granted {
			return &Result{
				Deferred: true,
				WakeAt:   bucket.AddDate(0, 0, 1),
				Reason:   models.LogRateLimitExceeded,
			}, nil
		}
	}

	if rl.MaxPerWeek > 0 {
		bucket := counter.WeekBucket(now, loc)

		granted, err := d.counters.Reserve(ctx, "rate:week:"+enrollment.CustomerID, bucket, 8*24*time.Hour, rl.MaxPerWeek)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve weekly rate limit: %w", err)
		}

		if !granted {
			return &Result{
				Deferred: true,
				WakeAt:   bucket.AddDate(0, 0, 7),
				Reason:   models.LogRateLimitExceeded,
			}, nil
		}
	}

	return nil, nil
}

func (d *Dispatcher) sendWithRetries(ctx context.Context, enrollment *models.Enrollment, cfg *models.WhatsAppActionConfig, reservedAt time.Time, loc *time.Location, logger *slog.Logger) (*Result, error) {
	phone, err := d.attributes.PhoneNumber(ctx, enrollment.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve phone for customer %s: %w", enrollment.CustomerID, err)
	}

	variables, err := d.renderVariables(ctx, enrollment.CustomerID, cfg)
	if err != nil {
		return nil, err
	}

	retries := 0

	var retryDelay time.Duration

	if cfg.FailureHandling != nil {
		retries = cfg.FailureHandling.RetryCount
		retryDelay = cfg.FailureHandling.RetryDelay.ToDuration()
	}

	var (
		lastErr  error
		attempts int
	)

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if retryDelay > 0 {
				if err := d.sleep(ctx, retryDelay); err != nil {
					return nil, err
				}
			}

			// Windows and limits can close between attempts.
			nowRetry := d.now()

			if deferred := d.checkSendWindow(cfg, nowRetry, loc); deferred != nil {
				deferred.Attempts = attempt

				return deferred, nil
			}

			deferred, err := d.recheckRateLimits(ctx, enrollment, cfg, reservedAt, nowRetry, loc)
			if err != nil {
				return nil, err
			}

			if deferred != nil {
				deferred.Attempts = attempt

				return deferred, nil
			}

			reservedAt = nowRetry
		}

		attempts = attempt + 1

		result, sendErr := d.gateway.Send(ctx, protocol.SendRequest{
			TemplateID:   cfg.TemplateID,
			TemplateName: cfg.TemplateName,
			Phone:        phone,
			Variables:    variables,
			Language:     cfg.Language,
		})
		if sendErr == nil {
			logger.InfoContext(ctx, "Message sent", "message_id", result.MessageID, "attempts", attempts)

			return &Result{Outcome: models.ActionOutcomeSent, MessageID: result.MessageID, Attempts: attempts}, nil
		}

		lastErr = sendErr

		if protocol.IsPermanent(sendErr) {
			logger.WarnContext(ctx, "Permanent dispatch failure", "error", sendErr)

			break
		}

		logger.WarnContext(ctx, "Transient dispatch failure", "error", sendErr, "attempt", attempts, "retries", retries)
	}

	return &Result{
		Outcome:  models.ActionOutcomeFailed,
		Attempts: attempts,
		Fallback: fallbackOf(cfg),
		Err:      lastErr,
	}, nil
}

// recheckRateLimits re-reserves rate-limit buckets that rolled over since
// the last reservation. Reservations already held for the current buckets
// stay valid, so re-reserving those would double-count.
func (d *Dispatcher) recheckRateLimits(ctx context.Context, enrollment *models.Enrollment, cfg *models.WhatsAppActionConfig, reservedAt, now time.Time, loc *time.Location) (*Result, error) {
	rl := cfg.RateLimiting
	if rl == nil || !rl.Enabled || d.counters == nil {
		return nil, nil
	}

	if rl.MaxPerDay > 0 {
		bucket := counter.DayBucket(now, loc)

		if !bucket.Equal(counter.DayBucket(reservedAt, loc)) {
			granted, err := d.counters.Reserve(ctx, "rate:day:"+enrollment.CustomerID, bucket, 48*time.Hour, rl.MaxPerDay)
			if err != nil {
				return nil, fmt.Errorf("failed to reserve daily rate limit: %w", err)
			}

			if !granted {
				return &Result{
					Deferred: true,
					WakeAt:   bucket.AddDate(0, 0, 1),
					Reason:   models.LogRateLimitExceeded,
				}, nil
			}
		}
	}

	if rl.MaxPerWeek > 0 {
		bucket := counter.WeekBucket(now, loc)

		if !bucket.Equal(counter.WeekBucket(reservedAt, loc)) {
			granted, err := d.counters.Reserve(ctx, "rate:week:"+enrollment.CustomerID, bucket, 8*24*time.Hour, rl.MaxPerWeek)
			if err != nil {
				return nil, fmt.Errorf("failed to reserve weekly rate limit: %w", err)
			}

			if !granted {
				return &Result{
					Deferred: true,
					WakeAt:   bucket.AddDate(0, 0, 7),
					Reason:   models.LogRateLimitExceeded,
				}, nil
			}
		}
	}

	return nil, nil
}

// renderVariables maps template variables from the customer snapshot.
func (d *Dispatcher) renderVariables(ctx context.Context, customerID string, cfg *models.WhatsAppActionConfig) (map[string]string, error) {
	if len(cfg.VariableMappings) == 0 {
		return nil, nil
	}

	snapshot, err := d.attributes.Snapshot(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot for customer %s: %w", customerID, err)
	}

	variables := make(map[string]string, len(cfg.VariableMappings))

	for name, property := range cfg.VariableMappings {
		if value, ok := snapshot[property]; ok && value != nil {
			variables[name] = fmt.Sprintf("%v", value)
		} else {
			variables[name] = ""
		}
	}

	return variables, nil
}

func fallbackOf(cfg *models.WhatsAppActionConfig) models.FallbackAction {
	if cfg.FailureHandling == nil || cfg.FailureHandling.FallbackAction == "" {
		return ""
	}

	return cfg.FailureHandling.FallbackAction
}
