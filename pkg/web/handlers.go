package web

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/flowmail/journey/pkg/analytics"
	"github.com/flowmail/journey/pkg/engine"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence"
)

// APIHandlers exposes the engine over HTTP: enrollments, event ingestion,
// the tick entry point, and analytics reads.
type APIHandlers struct {
	service     *engine.Service
	matcher     *engine.Matcher
	worker      *engine.Worker
	aggregator  *analytics.Aggregator
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	service *engine.Service,
	matcher *engine.Matcher,
	worker *engine.Worker,
	aggregator *analytics.Aggregator,
	persist persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		service:     service,
		matcher:     matcher,
		worker:      worker,
		aggregator:  aggregator,
		persistence: persist,
		validator:   validate,
	}
}

// Register mounts all routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/events", h.IngestEvent)
	app.Post("/delivery-status", h.DeliveryStatus)
	app.Post("/tick", h.Tick)

	journeys := app.Group("/journeys")
	journeys.Get("/", h.ListJourneys)
	journeys.Get("/:id", h.GetJourney)
	journeys.Post("/:id/enrollments", h.Enroll)
	journeys.Get("/:id/enrollments", h.ListEnrollments)
	journeys.Get("/:id/analytics/funnel", h.Funnel)
	journeys.Get("/:id/analytics/nodes", h.NodePerformance)
	journeys.Get("/:id/analytics/experiments/:nodeId", h.ExperimentResults)

	enrollments := app.Group("/enrollments")
	enrollments.Get("/:id", h.GetEnrollment)
	enrollments.Get("/:id/timeline", h.Timeline)
	enrollments.Post("/:id/cancel", h.Cancel)
	enrollments.Post("/:id/skip", h.SkipNode)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}

func (h *APIHandlers) ListJourneys(c fiber.Ctx) error {
	journeys, err := h.persistence.Journeys(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"journeys": journeys})
}

func (h *APIHandlers) GetJourney(c fiber.Ctx) error {
	journey, err := h.persistence.JourneyByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(journey)
}

func (h *APIHandlers) Enroll(c fiber.Ctx) error {
	var req EnrollRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	enrollment, err := h.service.Enroll(c.Context(), c.Params("id"), req.CustomerID)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(enrollment)
}

func (h *APIHandlers) ListEnrollments(c fiber.Ctx) error {
	filter := models.EnrollmentFilter{
		Status:     models.EnrollmentStatus(c.Query("status")),
		CustomerID: c.Query("customer_id"),
		Limit:      fiber.Query(c, "limit", 0),
		Offset:     fiber.Query(c, "offset", 0),
	}

	enrollments, err := h.service.ListEnrollments(c.Context(), c.Params("id"), filter)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"enrollments": enrollments})
}

func (h *APIHandlers) GetEnrollment(c fiber.Ctx) error {
	enrollment, err := h.service.GetEnrollment(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(enrollment)
}

func (h *APIHandlers) Timeline(c fiber.Ctx) error {
	timeline, err := h.aggregator.Timeline(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"timeline": timeline})
}

func (h *APIHandlers) Cancel(c fiber.Ctx) error {
	err := h.service.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SkipNode(c fiber.Ctx) error {
	enrollment, err := h.service.SkipNode(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(enrollment)
}

func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req IngestEventRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	created, err := h.matcher.HandleEvent(c.Context(), models.CustomerEvent{
		Name:       req.Name,
		Payload:    req.Payload,
		CustomerID: req.CustomerID,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"enrollments_created": len(created)})
}

func (h *APIHandlers) DeliveryStatus(c fiber.Ctx) error {
	var req DeliveryStatusRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	err = h.service.HandleDeliveryStatus(c.Context(), req.CustomerID, req.MessageID, req.Status, req.OccurredAt)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) Tick(c fiber.Ctx) error {
	var req TickRequest

	if len(c.Body()) > 0 {
		err := c.Bind().Body(&req)
		if err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := h.worker.Tick(c.Context(), now, req.BatchLimit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) Funnel(c fiber.Ctx) error {
	funnel, err := h.aggregator.Funnel(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"funnel": funnel})
}

func (h *APIHandlers) NodePerformance(c fiber.Ctx) error {
	report, err := h.aggregator.NodePerformanceReport(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"nodes": report})
}

func (h *APIHandlers) ExperimentResults(c fiber.Ctx) error {
	report, err := h.aggregator.ExperimentResults(c.Context(), c.Params("id"), c.Params("nodeId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(report)
}
