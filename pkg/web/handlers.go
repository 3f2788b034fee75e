package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/services"
	"github.com/dukex/callflow/pkg/stats"
	"github.com/dukex/callflow/pkg/validation"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// CallDispatcher applies telephony provider events.
type CallDispatcher interface {
	Dispatch(ctx context.Context, event *models.CallEvent) (*models.CallSession, error)
}

// SessionReader reads call sessions.
type SessionReader interface {
	Session(ctx context.Context, callID string) (*models.CallSession, error)
}

type APIHandlers struct {
	flowService       *services.Flow
	publishingService *services.Publishing
	routing           *routing.Table
	dispatcher        CallDispatcher
	sessions          SessionReader
	stats             *stats.Aggregator
	validator         *validator.Validate
	graphValidator    *validation.Validator
	logger            *slog.Logger
}

func NewAPIHandlers(
	flowService *services.Flow,
	publishingService *services.Publishing,
	routing *routing.Table,
	dispatcher CallDispatcher,
	sessions SessionReader,
	stats *stats.Aggregator,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		flowService:       flowService,
		publishingService: publishingService,
		routing:           routing,
		dispatcher:        dispatcher,
		sessions:          sessions,
		stats:             stats,
		validator:         validator.New(validator.WithRequiredStructEnabled()),
		graphValidator:    validation.New(),
		logger:            logger.With("module", "api"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	persistenceCheck, ok := h.flowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Callflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Callflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req services.CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.flowService.Create(c.Context(), actorFrom(c), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	flows, err := h.flowService.List(c.Context(), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	if flows == nil {
		flows = []*models.Flow{}
	}

	return c.JSON(flows)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flowService.Get(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req services.UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	updated, err := h.flowService.Update(c.Context(), actorFrom(c), c.Params("id"), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(updated)
}

// UpdateDraft replaces the draft. Drafts only need a well-formed graph; publish-time
// rules are checked by ValidateDraft and PublishFlow.
func (h *APIHandlers) UpdateDraft(c fiber.Ctx) error {
	var req UpdateDraftRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.flowService.Update(c.Context(), actorFrom(c), c.Params("id"), services.UpdateFlowRequest{
		Draft: req.Draft,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) ValidateDraft(c fiber.Ctx) error {
	flow, err := h.flowService.Get(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	err = h.graphValidator.ValidateDefinition(flow.Draft)
	if err != nil && !validation.IsValidationError(err) {
		return handleError(c, err)
	}

	reasons := validation.Reasons(err)
	if reasons == nil {
		reasons = []validation.Reason{}
	}

	return c.JSON(ValidateResponse{
		Valid:   err == nil,
		Reasons: reasons,
	})
}

func (h *APIHandlers) PublishFlow(c fiber.Ctx) error {
	version, err := h.publishingService.PublishDraft(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) UnpublishFlow(c fiber.Ctx) error {
	err := h.publishingService.Unpublish(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ListVersions(c fiber.Ctx) error {
	versions, err := h.publishingService.ListVersions(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	if versions == nil {
		versions = []*models.Version{}
	}

	return c.JSON(versions)
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	number, err := versionNumber(c)
	if err != nil {
		return badRequest(c, "Version number must be a positive integer")
	}

	version, err := h.publishingService.GetVersion(c.Context(), c.Params("id"), number, actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) RollbackVersion(c fiber.Ctx) error {
	number, err := versionNumber(c)
	if err != nil {
		return badRequest(c, "Version number must be a positive integer")
	}

	version, err := h.publishingService.Rollback(c.Context(), c.Params("id"), number, actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func versionNumber(c fiber.Ctx) (int, error) {
	number, err := strconv.Atoi(c.Params("number"))
	if err != nil {
		return 0, err
	}

	if number < 1 {
		return 0, strconv.ErrRange
	}

	return number, nil
}
