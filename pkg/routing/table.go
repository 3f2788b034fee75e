// Package routing maps phone numbers to the published version of their bound flow.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultFallbackPrompt = "We are sorry, this number is not in service. Goodbye."
	DefaultCacheSize      = 256
)

// Config configures the routing table.
type Config struct {
	// FallbackPrompt is played to callers of numbers that resolve as unbound.
	FallbackPrompt string
	// CacheSize bounds the versions kept in memory; least recently used ones are evicted.
	CacheSize int
}

// Resolution is the flow version a call to PhoneNumber must execute.
type Resolution struct {
	PhoneNumber string
	Binding     *models.Binding
	Version     *models.Version
}

// Table binds numbers to flows and resolves calls. Resolution reads never take a lock:
// bindings and flow pointers come from the repositories and published versions, which
// are immutable, are cached by (flow, number) in a bounded LRU.
type Table struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	config      Config
	versions    *lru.Cache[string, *models.Version]
	logger      *slog.Logger
}

// NewTable creates a routing table.
func NewTable(persistence persistence.Persistence, config Config, logger *slog.Logger) *Table {
	if config.FallbackPrompt == "" {
		config.FallbackPrompt = defaultFallbackPrompt
	}

	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}

	versions, _ := lru.New[string, *models.Version](config.CacheSize)

	return &Table{
		versions:    versions,
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		config:      config,
		logger:      logger.With("module", "routing"),
	}
}

// FallbackPrompt returns the prompt played on unbound calls.
func (t *Table) FallbackPrompt() string {
	return t.config.FallbackPrompt
}

// NormalizeNumber strips formatting characters and checks the result is E.164.
func (t *Table) NormalizeNumber(raw string) (string, error) {
	number := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')', '\t':
			return -1
		default:
			return r
		}
	}, raw)

	if strings.HasPrefix(number, "00") {
		number = "+" + number[2:]
	}

	err := t.validate.Var(number, "required,e164")
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}

	return number, nil
}

// Bind points number at flowID. The flow does not need a published version yet; calls
// resolve as unbound until it has one.
func (t *Table) Bind(ctx context.Context, number, flowID string, actor models.Actor) (*models.Binding, error) {
	err := t.checkActor(actor)
	if err != nil {
		return nil, err
	}

	number, err = t.NormalizeNumber(number)
	if err != nil {
		return nil, err
	}

	flow, err := t.persistence.FlowRepository().GetByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if flow.OrganizationID != actor.OrganizationID {
		return nil, ErrForbidden
	}

	existing, err := t.persistence.BindingRepository().Get(ctx, number)
	if err != nil && !persistence.IsBindingNotFound(err) {
		return nil, err
	}

	if existing != nil && existing.OrganizationID != actor.OrganizationID {
		return nil, ErrForbidden
	}

	binding := &models.Binding{
		PhoneNumber:    number,
		FlowID:         flowID,
		OrganizationID: actor.OrganizationID,
		BoundBy:        actor.ID,
	}

	err = t.persistence.BindingRepository().Save(ctx, binding)
	if err != nil {
		return nil, fmt.Errorf("failed to save binding: %w", err)
	}

	t.logger.InfoContext(ctx, "number bound",
		"phone_number", number, "flow_id", flowID, "published", flow.IsPublished(), "actor_id", actor.ID)

	return binding, nil
}

// Unbind removes the binding of number.
func (t *Table) Unbind(ctx context.Context, number string, actor models.Actor) error {
	binding, err := t.Binding(ctx, number, actor)
	if err != nil {
		return err
	}

	err = t.persistence.BindingRepository().Delete(ctx, binding.PhoneNumber)
	if err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "number unbound", "phone_number", binding.PhoneNumber, "actor_id", actor.ID)

	return nil
}

// Binding returns the binding of number if it belongs to the actor's organization.
func (t *Table) Binding(ctx context.Context, number string, actor models.Actor) (*models.Binding, error) {
	err := t.checkActor(actor)
	if err != nil {
		return nil, err
	}

	number, err = t.NormalizeNumber(number)
	if err != nil {
		return nil, err
	}

	binding, err := t.persistence.BindingRepository().Get(ctx, number)
	if err != nil {
		return nil, err
	}

	if binding.OrganizationID != actor.OrganizationID {
		return nil, ErrForbidden
	}

	return binding, nil
}

// List returns every binding of the actor's organization.
func (t *Table) List(ctx context.Context, actor models.Actor) ([]*models.Binding, error) {
	err := t.checkActor(actor)
	if err != nil {
		return nil, err
	}

	return t.persistence.BindingRepository().ListByOrganization(ctx, actor.OrganizationID)
}

// Resolve returns the currently published version of the flow bound to number. Routing
// misses come back as *UnboundError; the returned version must be treated as read-only.
func (t *Table) Resolve(ctx context.Context, number string) (*Resolution, error) {
	normalized, err := t.NormalizeNumber(number)
	if err != nil {
		return nil, &UnboundError{PhoneNumber: number}
	}

	binding, err := t.persistence.BindingRepository().Get(ctx, normalized)
	if persistence.IsBindingNotFound(err) {
		return nil, &UnboundError{PhoneNumber: normalized}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read binding: %w", err)
	}

	flow, err := t.persistence.FlowRepository().GetByID(ctx, binding.FlowID)
	if persistence.IsFlowNotFound(err) {
		return nil, &UnboundError{PhoneNumber: normalized, Binding: binding}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read flow: %w", err)
	}

	if !flow.IsPublished() {
		return nil, &UnboundError{PhoneNumber: normalized, Binding: binding}
	}

	version, err := t.Version(ctx, flow.ID, *flow.PublishedVersion)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		PhoneNumber: normalized,
		Binding:     binding,
		Version:     version,
	}, nil
}

// Version returns one version of a flow, from cache when possible. Sessions use it to
// reload the version they are pinned to.
func (t *Table) Version(ctx context.Context, flowID string, number int) (*models.Version, error) {
	key := flowID + "@" + strconv.Itoa(number)

	if cached, ok := t.versions.Get(key); ok {
		return cached, nil
	}

	version, err := t.persistence.VersionRepository().Get(ctx, flowID, number)
	if err != nil {
		return nil, err
	}

	if previous, ok, _ := t.versions.PeekOrAdd(key, version); ok {
		return previous, nil
	}

	return version, nil
}

func (t *Table) checkActor(actor models.Actor) error {
	err := t.validate.Struct(actor)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}

	return nil
}
