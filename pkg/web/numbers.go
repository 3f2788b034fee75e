package web

import (
	"net/url"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/gofiber/fiber/v3"
)

// phoneNumber returns the :number path parameter. Clients may escape the leading plus.
func phoneNumber(c fiber.Ctx) string {
	raw := c.Params("number")

	number, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}

	return number
}

func (h *APIHandlers) ListNumbers(c fiber.Ctx) error {
	bindings, err := h.routing.List(c.Context(), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	if bindings == nil {
		bindings = []*models.Binding{}
	}

	return c.JSON(bindings)
}

func (h *APIHandlers) GetNumber(c fiber.Ctx) error {
	binding, err := h.routing.Binding(c.Context(), phoneNumber(c), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(binding)
}

func (h *APIHandlers) BindNumber(c fiber.Ctx) error {
	var req BindNumberRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	binding, err := h.routing.Bind(c.Context(), phoneNumber(c), req.FlowID, actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(binding)
}

func (h *APIHandlers) UnbindNumber(c fiber.Ctx) error {
	err := h.routing.Unbind(c.Context(), phoneNumber(c), actorFrom(c))
	if err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ResolveNumber reports which flow version a call to the number would run right now.
// Numbers owned by another organization resolve as forbidden.
func (h *APIHandlers) ResolveNumber(c fiber.Ctx) error {
	resolution, err := h.routing.Resolve(c.Context(), phoneNumber(c))
	if err != nil {
		return handleError(c, err)
	}

	if resolution.Binding.OrganizationID != actorFrom(c).OrganizationID {
		return handleError(c, routing.ErrForbidden)
	}

	return c.JSON(newResolveResponse(resolution))
}
