package web

import (
	"errors"

	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/services"
	"github.com/dukex/callflow/pkg/session"
	"github.com/dukex/callflow/pkg/validation"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// ValidationProblem is a problem+json body that also lists every publish blocker.
type ValidationProblem struct {
	*problems.Problem

	Reasons []validation.Reason `json:"reasons"`
}

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "bad_request", detail)
}

func unauthorized(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusUnauthorized, "unauthorized", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

func validationFailed(c fiber.Ctx, err error) error {
	p := &ValidationProblem{
		Problem: problems.NewStatusProblem(fiber.StatusUnprocessableEntity).
			WithInstance(c.Path()).
			WithType("validation_error").
			WithDetail("the flow cannot be published"),
		Reasons: validation.Reasons(err),
	}

	return c.Status(fiber.StatusUnprocessableEntity).JSON(p)
}

// handleError maps domain errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case validation.IsValidationError(err):
		return validationFailed(c, err)

	case graph.IsMalformed(err):
		return problem(c, fiber.StatusBadRequest, "malformed_graph", err.Error())

	case services.IsInvalidRequest(err),
		errors.Is(err, routing.ErrInvalidNumber),
		errors.Is(err, routing.ErrInvalidActor):
		return badRequest(c, err.Error())

	case services.IsForbidden(err), errors.Is(err, routing.ErrForbidden):
		return problem(c, fiber.StatusForbidden, "forbidden", err.Error())

	case routing.IsUnbound(err):
		return problem(c, fiber.StatusNotFound, "unbound", err.Error())

	case persistence.IsFlowNotFound(err):
		return problem(c, fiber.StatusNotFound, "flow_not_found", "flow not found")

	case persistence.IsVersionNotFound(err):
		return problem(c, fiber.StatusNotFound, "version_not_found", "version not found")

	case persistence.IsBindingNotFound(err):
		return problem(c, fiber.StatusNotFound, "binding_not_found", "number is not bound")

	case session.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, "call_not_found", "call not found")

	case services.IsConflictError(err), errors.Is(err, engine.ErrCallExists):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	default:
		return internalError(c, err)
	}
}
