package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmail/journey/pkg/engine"
	"github.com/flowmail/journey/pkg/eventbus"
	"github.com/flowmail/journey/pkg/events"
	"github.com/flowmail/journey/pkg/models"
)

// Runner ties the tick scheduler and the inbound event subscription
// together for the lifetime of the process.
type Runner struct {
	worker       *engine.Worker
	matcher      *engine.Matcher
	eventBus     eventbus.EventBus
	logger       *slog.Logger
	tickInterval time.Duration
	batchLimit   int
}

func NewRunner(
	worker *engine.Worker,
	matcher *engine.Matcher,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	tickInterval time.Duration,
	batchLimit int,
) *Runner {
	return &Runner{
		worker:       worker,
		matcher:      matcher,
		eventBus:     eventBus,
		logger:       logger.With("module", "journey-worker", "worker_id", worker.ID()),
		tickInterval: tickInterval,
		batchLimit:   batchLimit,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting worker", "tick_interval", r.tickInterval.String())

	err := r.eventBus.Handle(events.CustomerActivityEvent, r.handleCustomerActivity)
	if err != nil {
		return err
	}

	err = r.eventBus.Handle(events.DeliveryStatusEvent, r.handleDeliveryStatus)
	if err != nil {
		return err
	}

	err = r.eventBus.Subscribe(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc("@every "+r.tickInterval.String(), func() {
		r.tick(ctx)
	})
	if err != nil {
		return err
	}

	scheduler.Start()

	r.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	r.logger.InfoContext(ctx, "Shutting down worker...")

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	return nil
}

func (r *Runner) tick(ctx context.Context) {
	result, err := r.worker.Tick(ctx, time.Now().UTC(), r.batchLimit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Tick failed", "error", err)

		return
	}

	if result.Processed == 0 {
		return
	}

	r.logger.InfoContext(ctx, "Tick finished",
		"processed", result.Processed,
		"advanced", result.Advanced,
		"waiting", result.Waiting,
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
}

func (r *Runner) handleCustomerActivity(ctx context.Context, event any) error {
	activity, ok := event.(*events.CustomerActivity)
	if !ok {
		r.logger.ErrorContext(ctx, "Invalid event type for CustomerActivity")

		return nil
	}

	_, err := r.matcher.HandleEvent(ctx, activity.ToCustomerEvent())
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to process customer activity",
			"error", err,
			"customer_id", activity.CustomerID,
			"event_name", activity.EventName,
		)
	}

	return err
}

func (r *Runner) handleDeliveryStatus(ctx context.Context, event any) error {
	status, ok := event.(*events.DeliveryStatus)
	if !ok {
		r.logger.ErrorContext(ctx, "Invalid event type for DeliveryStatus")

		return nil
	}

	occurredAt := status.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = status.Timestamp
	}

	_, err := r.matcher.HandleEvent(ctx, models.CustomerEvent{
		Name:       "whatsapp." + status.Status,
		CustomerID: status.CustomerID,
		Payload: map[string]any{
			"message_id": status.MessageID,
			"status":     status.Status,
		},
		ReceivedAt: occurredAt,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to process delivery status",
			"error", err,
			"customer_id", status.CustomerID,
			"message_id", status.MessageID,
		)
	}

	return err
}
