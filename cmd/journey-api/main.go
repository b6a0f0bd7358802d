package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/flowmail/journey/pkg/attributes"
	"github.com/flowmail/journey/pkg/cmd"
	"github.com/flowmail/journey/pkg/delay"
	"github.com/flowmail/journey/pkg/dispatch"
	"github.com/flowmail/journey/pkg/engine"
	"github.com/flowmail/journey/pkg/experiment"
	"github.com/flowmail/journey/pkg/log"
	"github.com/flowmail/journey/pkg/otelhelper"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("journey-api")

	command := &cli.Command{
		Name:                  "journey-api",
		Usage:                 "Manage journeys and enrollments over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "redis-url",
				Usage:    "Redis connection URL for customer attributes and rate counters",
				Required: true,
				Sources:  cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "twilio-account-sid",
				Usage:   "Twilio account SID for WhatsApp delivery",
				Sources: cli.EnvVars("TWILIO_ACCOUNT_SID"),
			},
			&cli.StringFlag{
				Name:    "twilio-auth-token",
				Usage:   "Twilio auth token",
				Sources: cli.EnvVars("TWILIO_AUTH_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "twilio-from-number",
				Usage:   "WhatsApp sender number",
				Sources: cli.EnvVars("TWILIO_FROM_NUMBER"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing journey API")

			if _, err := otelhelper.NewTracer(ctx, "journey-api"); err != nil {
				logger.WarnContext(ctx, "Tracing disabled", "error", err)
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "journey-api", logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			counters, err := cmd.NewCounterService(command.String("redis-url"))
			if err != nil {
				return err
			}

			provider, err := attributes.NewRedisProviderFromURL(command.String("redis-url"), "journey:customer")
			if err != nil {
				return err
			}

			gateway, err := cmd.NewGateway(
				logger,
				command.String("twilio-account-sid"),
				command.String("twilio-auth-token"),
				command.String("twilio-from-number"),
			)
			if err != nil {
				return err
			}

			dispatcher := dispatch.NewDispatcher(gateway, provider, counters, logger)
			executor := engine.NewExecutor(
				persistence,
				provider,
				delay.NewScheduler(counters),
				experiment.NewAllocator(),
				dispatcher,
				eventBus,
				logger,
			)
			matcher := engine.NewMatcher(persistence, provider, executor, eventBus, logger)
			worker := engine.NewWorker(persistence, executor, logger)
			service := engine.NewService(persistence, executor, matcher, logger)

			api := NewAPI(logger, persistence, service, matcher, worker)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
