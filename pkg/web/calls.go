package web

import (
	"errors"
	"time"

	"github.com/dukex/callflow/pkg/engine"
	"github.com/dukex/callflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

// ReceiveCallEvent is the telephony provider ingress. Stale and duplicate events are
// acknowledged as discarded so the provider does not retry them.
func (h *APIHandlers) ReceiveCallEvent(c fiber.Ctx) error {
	var event models.CallEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(event); err != nil {
		return badRequest(c, err.Error())
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	s, err := h.dispatcher.Dispatch(c.Context(), &event)

	switch {
	case err == nil:
		return c.Status(fiber.StatusAccepted).JSON(CallEventResponse{
			Status:  CallEventAccepted,
			Session: s,
		})

	case engine.IsStale(err), errors.Is(err, engine.ErrCallExists):
		h.logger.DebugContext(c.Context(), "call event discarded",
			"call_id", event.CallID, "seq", event.Seq, "type", event.Type, "error", err)

		return c.Status(fiber.StatusAccepted).JSON(CallEventResponse{
			Status: CallEventDiscarded,
			Reason: err.Error(),
		})

	default:
		return handleError(c, err)
	}
}

// GetCall returns a session snapshot. Calls of other organizations are reported as missing.
func (h *APIHandlers) GetCall(c fiber.Ctx) error {
	s, err := h.sessions.Session(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	if s.OrganizationID != actorFrom(c).OrganizationID {
		return notFound(c, "call not found")
	}

	return c.JSON(s)
}

func (h *APIHandlers) OrganizationStats(c fiber.Ctx) error {
	return c.JSON(newStatsResponse(h.stats.Organization(actorFrom(c).OrganizationID)))
}

func (h *APIHandlers) FlowStats(c fiber.Ctx) error {
	flow, err := h.flowService.Get(c.Context(), actorFrom(c), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(newStatsResponse(h.stats.Flow(flow.ID)))
}
