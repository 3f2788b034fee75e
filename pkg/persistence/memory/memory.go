// Package memory provides an in-process persistence implementation for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/google/uuid"
)

// Persistence keeps flows, versions and bindings in maps guarded by one RWMutex.
// Readers never observe a version without its pointer swap, or the reverse.
type Persistence struct {
	mu       sync.RWMutex
	flows    map[string]*models.Flow
	versions map[string][]*models.Version
	bindings map[string]*models.Binding
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		flows:    make(map[string]*models.Flow),
		versions: make(map[string][]*models.Version),
		bindings: make(map[string]*models.Binding),
	}
}

func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return &flowRepository{p}
}

func (p *Persistence) VersionRepository() persistence.VersionRepository {
	return &versionRepository{p}
}

func (p *Persistence) BindingRepository() persistence.BindingRepository {
	return &bindingRepository{p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

type flowRepository struct {
	p *Persistence
}

func (r *flowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if flow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		flow.ID = id.String()
	}

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	stored := flow.Clone()

	if existing, ok := r.p.flows[flow.ID]; ok {
		stored.PublishedVersion = existing.Clone().PublishedVersion
		stored.CreatedAt = existing.CreatedAt
		flow.CreatedAt = existing.CreatedAt
	} else {
		stored.PublishedVersion = nil
	}

	flow.PublishedVersion = stored.Clone().PublishedVersion
	r.p.flows[flow.ID] = stored

	return nil
}

func (r *flowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
	}

	return flow.Clone(), nil
}

func (r *flowRepository) ListByOrganization(_ context.Context, organizationID string) ([]*models.Flow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	flows := make([]*models.Flow, 0)

	for _, flow := range r.p.flows {
		if flow.OrganizationID == organizationID {
			flows = append(flows, flow.Clone())
		}
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})

	return flows, nil
}

type versionRepository struct {
	p *Persistence
}

func (r *versionRepository) Append(_ context.Context, version *models.Version) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[version.FlowID]
	if !ok {
		return persistence.NewFlowError("Append", version.FlowID, persistence.ErrFlowNotFound)
	}

	history := r.p.versions[version.FlowID]
	if version.Number != len(history)+1 {
		return persistence.NewVersionError("Append", version.FlowID, version.Number, persistence.ErrVersionConflict)
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	r.p.versions[version.FlowID] = append(history, version.Clone())

	number := version.Number
	flow.PublishedVersion = &number
	flow.UpdatedAt = version.CreatedAt

	return nil
}

func (r *versionRepository) Get(_ context.Context, flowID string, number int) (*models.Version, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	history := r.p.versions[flowID]
	if number < 1 || number > len(history) {
		return nil, persistence.NewVersionError("Get", flowID, number, persistence.ErrVersionNotFound)
	}

	return history[number-1].Clone(), nil
}

func (r *versionRepository) Latest(_ context.Context, flowID string) (int, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	if _, ok := r.p.flows[flowID]; !ok {
		return 0, persistence.NewFlowError("Latest", flowID, persistence.ErrFlowNotFound)
	}

	return len(r.p.versions[flowID]), nil
}

func (r *versionRepository) List(_ context.Context, flowID string) ([]*models.Version, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	history := r.p.versions[flowID]
	versions := make([]*models.Version, 0, len(history))

	for i := len(history) - 1; i >= 0; i-- {
		versions = append(versions, history[i].Clone())
	}

	return versions, nil
}

func (r *versionRepository) SetPublished(_ context.Context, flowID string, number *int) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[flowID]
	if !ok {
		return persistence.NewFlowError("SetPublished", flowID, persistence.ErrFlowNotFound)
	}

	if number == nil {
		flow.PublishedVersion = nil

		return nil
	}

	if *number < 1 || *number > len(r.p.versions[flowID]) {
		return persistence.NewVersionError("SetPublished", flowID, *number, persistence.ErrVersionNotFound)
	}

	n := *number
	flow.PublishedVersion = &n

	return nil
}

type bindingRepository struct {
	p *Persistence
}

func (r *bindingRepository) Save(_ context.Context, binding *models.Binding) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.p.bindings[binding.PhoneNumber]; ok {
		binding.CreatedAt = existing.CreatedAt
	} else if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
	}

	binding.UpdatedAt = now

	stored := *binding
	r.p.bindings[binding.PhoneNumber] = &stored

	return nil
}

func (r *bindingRepository) Get(_ context.Context, phoneNumber string) (*models.Binding, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	binding, ok := r.p.bindings[phoneNumber]
	if !ok {
		return nil, persistence.NewBindingError("Get", phoneNumber, persistence.ErrBindingNotFound)
	}

	copied := *binding

	return &copied, nil
}

func (r *bindingRepository) Delete(_ context.Context, phoneNumber string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.bindings[phoneNumber]; !ok {
		return persistence.NewBindingError("Delete", phoneNumber, persistence.ErrBindingNotFound)
	}

	delete(r.p.bindings, phoneNumber)

	return nil
}

func (r *bindingRepository) ListByOrganization(_ context.Context, organizationID string) ([]*models.Binding, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	bindings := make([]*models.Binding, 0)

	for _, binding := range r.p.bindings {
		if binding.OrganizationID == organizationID {
			copied := *binding
			bindings = append(bindings, &copied)
		}
	}

	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].PhoneNumber < bindings[j].PhoneNumber
	})

	return bindings, nil
}
