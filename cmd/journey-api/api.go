package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowmail/journey/pkg/analytics"
	"github.com/flowmail/journey/pkg/engine"
	"github.com/flowmail/journey/pkg/persistence"
	"github.com/flowmail/journey/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	service     *engine.Service
	matcher     *engine.Matcher
	worker      *engine.Worker
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persist persistence.Persistence,
	service *engine.Service,
	matcher *engine.Matcher,
	worker *engine.Worker,
) *API {
	return &API{
		logger:      logger,
		persistence: persist,
		service:     service,
		matcher:     matcher,
		worker:      worker,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	aggregator := analytics.NewAggregator(a.persistence, a.logger)

	handlers := web.NewAPIHandlers(a.service, a.matcher, a.worker, aggregator, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
