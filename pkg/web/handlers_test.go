package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmail/journey/pkg/analytics"
	"github.com/flowmail/journey/pkg/counter"
	"github.com/flowmail/journey/pkg/delay"
	"github.com/flowmail/journey/pkg/dispatch"
	"github.com/flowmail/journey/pkg/engine"
	"github.com/flowmail/journey/pkg/experiment"
	"github.com/flowmail/journey/pkg/models"
	"github.com/flowmail/journey/pkg/persistence/file"
	"github.com/flowmail/journey/pkg/testutil"
)

type apiFixture struct {
	app     *fiber.App
	persist *file.Persistence
	gateway *testutil.FakeGateway
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	attrs := testutil.NewFakeAttributes()
	gateway := &testutil.FakeGateway{}
	counters := counter.NewMemoryService()
	logger := testutil.Logger()

	executor := engine.NewExecutor(
		persist,
		attrs,
		delay.NewScheduler(counters),
		experiment.NewAllocatorWithSeed(7),
		dispatch.NewDispatcher(gateway, attrs, counters, logger),
		nil,
		logger,
	)
	matcher := engine.NewMatcher(persist, attrs, executor, nil, logger)
	service := engine.NewService(persist, executor, matcher, logger)
	worker := engine.NewWorker(persist, executor, logger)
	aggregator := analytics.NewAggregator(persist, logger)

	handlers := NewAPIHandlers(service, matcher, worker, aggregator, persist, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Register(app)

	return &apiFixture{app: app, persist: persist, gateway: gateway}
}

func (f *apiFixture) seedJourney(t *testing.T) {
	t.Helper()

	journey := testutil.Journey("j1",
		testutil.TriggerNode("trigger", "order.placed", "welcome"),
		testutil.ActionNode("welcome", nil, "done"),
		testutil.ExitNode("done", true),
	)
	require.NoError(t, f.persist.SaveJourney(context.Background(), journey))
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string

	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestEnrollEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	resp := f.request(t, http.MethodPost, "/journeys/j1/enrollments", EnrollRequest{CustomerID: "c1"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var enrollment models.Enrollment

	decode(t, resp, &enrollment)
	assert.Equal(t, "c1", enrollment.CustomerID)
	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 1, f.gateway.Calls)
}

func TestEnrollEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	resp := f.request(t, http.MethodPost, "/journeys/j1/enrollments", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/journeys/missing/enrollments", EnrollRequest{CustomerID: "c1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestEventEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	resp := f.request(t, http.MethodPost, "/events", IngestEventRequest{
		Name:       "order.placed",
		CustomerID: "c1",
		Payload:    map[string]any{"total": 120.0},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]int

	decode(t, resp, &body)
	assert.Equal(t, 1, body["enrollments_created"])
}

func TestIngestEventEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/events", IngestEventRequest{Name: "order.placed"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTickEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(-time.Minute)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now.Add(-time.Hour))
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{Kind: models.WaitKindTimer, Deadline: deadline}
	enrollment.NextRunAt = &deadline
	require.NoError(t, f.persist.CreateEnrollment(context.Background(), enrollment))

	resp := f.request(t, http.MethodPost, "/tick", TickRequest{Now: now})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result engine.TickResult

	decode(t, resp, &result)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Completed)
}

func TestEnrollmentEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	now := time.Now().UTC()
	wake := now.Add(time.Hour)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now)
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{Kind: models.WaitKindTimer, Deadline: wake}
	enrollment.NextRunAt = &wake
	require.NoError(t, f.persist.CreateEnrollment(context.Background(), enrollment))

	resp := f.request(t, http.MethodGet, "/enrollments/e1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/enrollments/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/journeys/j1/enrollments?customer_id=c1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list map[string][]*models.Enrollment

	decode(t, resp, &list)
	assert.Len(t, list["enrollments"], 1)

	resp = f.request(t, http.MethodPost, "/enrollments/e1/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := f.persist.EnrollmentByID(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentExited, stored.Status)
}

func TestSkipEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	now := time.Now().UTC()
	wake := now.Add(time.Hour)

	enrollment := testutil.Enrollment("e1", "j1", "c1", "welcome", now)
	enrollment.Status = models.EnrollmentWaiting
	enrollment.Wait = &models.WaitState{Kind: models.WaitKindTimer, Deadline: wake}
	enrollment.NextRunAt = &wake
	require.NoError(t, f.persist.CreateEnrollment(context.Background(), enrollment))

	resp := f.request(t, http.MethodPost, "/enrollments/e1/skip", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var skipped models.Enrollment

	decode(t, resp, &skipped)
	assert.Equal(t, models.EnrollmentCompleted, skipped.Status)
	// Skipping the action node sends nothing.
	assert.Equal(t, 0, f.gateway.Calls)
}

func TestDeliveryStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	resp := f.request(t, http.MethodPost, "/delivery-status", DeliveryStatusRequest{
		CustomerID: "c1",
		MessageID:  "msg-1",
		Status:     "delivered",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/delivery-status", DeliveryStatusRequest{MessageID: "msg-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyticsEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedJourney(t)

	resp := f.request(t, http.MethodPost, "/journeys/j1/enrollments", EnrollRequest{CustomerID: "c1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/journeys/j1/analytics/funnel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var funnel struct {
		Funnel []analytics.FunnelStep `json:"funnel"`
	}

	decode(t, resp, &funnel)
	require.Len(t, funnel.Funnel, 3)
	assert.Equal(t, 1, funnel.Funnel[0].Entered)

	resp = f.request(t, http.MethodGet, "/journeys/j1/analytics/nodes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes struct {
		Nodes []analytics.NodePerformance `json:"nodes"`
	}

	decode(t, resp, &nodes)
	require.Len(t, nodes.Nodes, 3)
	assert.Equal(t, 1, nodes.Nodes[1].MessagesSent)

	resp = f.request(t, http.MethodGet, "/journeys/missing/analytics/funnel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
