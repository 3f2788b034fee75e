package web

import (
	"github.com/dukex/callflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

const (
	ActorHeader        = "X-Actor-ID"
	OrganizationHeader = "X-Organization-ID"

	actorLocal = "actor"
)

// RequireActor reads the caller identity set by the upstream identity provider.
func RequireActor(c fiber.Ctx) error {
	actor := models.Actor{
		ID:             c.Get(ActorHeader),
		OrganizationID: c.Get(OrganizationHeader),
	}

	if actor.ID == "" || actor.OrganizationID == "" {
		return unauthorized(c, ActorHeader+" and "+OrganizationHeader+" headers are required")
	}

	c.Locals(actorLocal, actor)

	return c.Next()
}

func actorFrom(c fiber.Ctx) models.Actor {
	actor, _ := c.Locals(actorLocal).(models.Actor)

	return actor
}

// Register mounts every endpoint on router. The call event ingress is called by the
// telephony provider and does not carry an actor.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	router.Post("/calls/events", h.ReceiveCallEvent)

	f := router.Group("/flows", RequireActor)
	f.Get("/", h.ListFlows)
	f.Post("/", h.CreateFlow)
	f.Get("/:id", h.GetFlow)
	f.Patch("/:id", h.UpdateFlow)
	f.Put("/:id/draft", h.UpdateDraft)
	f.Post("/:id/validate", h.ValidateDraft)
	f.Post("/:id/publish", h.PublishFlow)
	f.Post("/:id/unpublish", h.UnpublishFlow)
	f.Get("/:id/versions", h.ListVersions)
	f.Get("/:id/versions/:number", h.GetVersion)
	f.Post("/:id/versions/:number/rollback", h.RollbackVersion)

	n := router.Group("/numbers", RequireActor)
	n.Get("/", h.ListNumbers)
	n.Get("/:number", h.GetNumber)
	n.Put("/:number", h.BindNumber)
	n.Delete("/:number", h.UnbindNumber)
	n.Get("/:number/resolve", h.ResolveNumber)

	router.Get("/calls/:id", RequireActor, h.GetCall)

	s := router.Group("/stats", RequireActor)
	s.Get("/organization", h.OrganizationStats)
	s.Get("/flows/:id", h.FlowStats)
}
