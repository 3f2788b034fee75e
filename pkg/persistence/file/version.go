package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

// VersionRepository stores one immutable file per version.
type VersionRepository struct {
	p *Persistence
}

func (vr *VersionRepository) versionPath(flowID string, number int) string {
	return vr.p.path("versions", flowID, strconv.Itoa(number)+".json")
}

func (vr *VersionRepository) Append(_ context.Context, version *models.Version) error {
	vr.p.mu.Lock()
	defer vr.p.mu.Unlock()

	if _, err := vr.p.flowRepo.load(version.FlowID); err != nil {
		return persistence.NewFlowError("Append", version.FlowID, persistence.ErrFlowNotFound)
	}

	latest, err := vr.latest(version.FlowID)
	if err != nil {
		return err
	}

	if version.Number != latest+1 {
		return persistence.NewVersionError("Append", version.FlowID, version.Number, persistence.ErrVersionConflict)
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	err = createJSON(vr.versionPath(version.FlowID, version.Number), version)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return persistence.NewVersionError("Append", version.FlowID, version.Number, persistence.ErrVersionConflict)
		}

		return fmt.Errorf("failed to write version %d of flow %s: %w", version.Number, version.FlowID, err)
	}

	number := version.Number

	return vr.p.flowRepo.setPublished(version.FlowID, &number, version.CreatedAt)
}

func (vr *VersionRepository) Get(_ context.Context, flowID string, number int) (*models.Version, error) {
	if err := safeName(flowID); err != nil {
		return nil, persistence.NewVersionError("Get", flowID, number, persistence.ErrVersionNotFound)
	}

	var version models.Version

	err := readJSON(vr.versionPath(flowID, number), &version)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewVersionError("Get", flowID, number, persistence.ErrVersionNotFound)
		}

		return nil, err
	}

	return &version, nil
}

func (vr *VersionRepository) Latest(_ context.Context, flowID string) (int, error) {
	if _, err := vr.p.flowRepo.load(flowID); err != nil {
		return 0, err
	}

	return vr.latest(flowID)
}

func (vr *VersionRepository) latest(flowID string) (int, error) {
	numbers, err := vr.numbers(flowID)
	if err != nil {
		return 0, err
	}

	if len(numbers) == 0 {
		return 0, nil
	}

	return numbers[len(numbers)-1], nil
}

// numbers returns the stored version numbers in ascending order.
func (vr *VersionRepository) numbers(flowID string) ([]int, error) {
	if err := safeName(flowID); err != nil {
		return nil, nil
	}

	entries, err := os.ReadDir(vr.p.path("versions", flowID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list versions of flow %s: %w", flowID, err)
	}

	numbers := make([]int, 0, len(entries))

	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok {
			continue
		}

		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}

		numbers = append(numbers, n)
	}

	sort.Ints(numbers)

	return numbers, nil
}

func (vr *VersionRepository) List(ctx context.Context, flowID string) ([]*models.Version, error) {
	numbers, err := vr.numbers(flowID)
	if err != nil {
		return nil, err
	}

	versions := make([]*models.Version, 0, len(numbers))

	for i := len(numbers) - 1; i >= 0; i-- {
		version, err := vr.Get(ctx, flowID, numbers[i])
		if err != nil {
			return nil, err
		}

		versions = append(versions, version)
	}

	return versions, nil
}

func (vr *VersionRepository) SetPublished(_ context.Context, flowID string, number *int) error {
	vr.p.mu.Lock()
	defer vr.p.mu.Unlock()

	if number != nil {
		if _, err := os.Stat(vr.versionPath(flowID, *number)); err != nil {
			return persistence.NewVersionError("SetPublished", flowID, *number, persistence.ErrVersionNotFound)
		}
	}

	return vr.p.flowRepo.setPublished(flowID, number, time.Now().UTC())
}
