package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

// BindingRepository stores one file per bound phone number.
type BindingRepository struct {
	p *Persistence
}

func (br *BindingRepository) bindingPath(phoneNumber string) string {
	return br.p.path("bindings", phoneNumber+".json")
}

func (br *BindingRepository) Save(ctx context.Context, binding *models.Binding) error {
	if err := safeName(binding.PhoneNumber); err != nil {
		return persistence.NewBindingError("Save", binding.PhoneNumber, err)
	}

	br.p.mu.Lock()
	defer br.p.mu.Unlock()

	now := time.Now().UTC()

	existing, err := br.Get(ctx, binding.PhoneNumber)

	switch {
	case err == nil:
		binding.CreatedAt = existing.CreatedAt
	case persistence.IsBindingNotFound(err):
		if binding.CreatedAt.IsZero() {
			binding.CreatedAt = now
		}
	default:
		return err
	}

	binding.UpdatedAt = now

	return writeJSON(br.bindingPath(binding.PhoneNumber), binding)
}

func (br *BindingRepository) Get(_ context.Context, phoneNumber string) (*models.Binding, error) {
	if err := safeName(phoneNumber); err != nil {
		return nil, persistence.NewBindingError("Get", phoneNumber, persistence.ErrBindingNotFound)
	}

	var binding models.Binding

	err := readJSON(br.bindingPath(phoneNumber), &binding)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewBindingError("Get", phoneNumber, persistence.ErrBindingNotFound)
		}

		return nil, fmt.Errorf("failed to fetch binding %s: %w", phoneNumber, err)
	}

	return &binding, nil
}

func (br *BindingRepository) Delete(_ context.Context, phoneNumber string) error {
	if err := safeName(phoneNumber); err != nil {
		return persistence.NewBindingError("Delete", phoneNumber, persistence.ErrBindingNotFound)
	}

	err := os.Remove(br.bindingPath(phoneNumber))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.NewBindingError("Delete", phoneNumber, persistence.ErrBindingNotFound)
		}

		return fmt.Errorf("failed to delete binding %s: %w", phoneNumber, err)
	}

	return nil
}

func (br *BindingRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*models.Binding, error) {
	jsonFiles, err := fs.Glob(os.DirFS(br.p.path("bindings")), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list binding files: %w", err)
	}

	bindings := make([]*models.Binding, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		binding, err := br.Get(ctx, strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsBindingNotFound(err) {
				continue
			}

			return nil, err
		}

		if binding.OrganizationID == organizationID {
			bindings = append(bindings, binding)
		}
	}

	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].PhoneNumber < bindings[j].PhoneNumber
	})

	return bindings, nil
}
