package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/callflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		flowErr := persistence.NewFlowError("GetByID", "flow-123", persistence.ErrFlowNotFound)
		versionErr := persistence.NewVersionError("Append", "flow-123", 3, persistence.ErrVersionConflict)
		bindingErr := persistence.NewBindingError("Get", "+15550001111", persistence.ErrBindingNotFound)

		assert.True(t, persistence.IsFlowNotFound(flowErr))
		assert.True(t, persistence.IsVersionConflict(versionErr))
		assert.True(t, persistence.IsBindingNotFound(bindingErr))
		assert.False(t, persistence.IsVersionNotFound(versionErr))

		assert.True(t, errors.Is(flowErr, persistence.ErrFlowNotFound))
	})

	t.Run("errors contain context", func(t *testing.T) {
		err := persistence.NewVersionError("Append", "flow-123", 3, persistence.ErrVersionConflict)

		assert.Contains(t, err.Error(), "Append")
		assert.Contains(t, err.Error(), "flow-123")
		assert.Contains(t, err.Error(), "version 3")
		assert.Contains(t, err.Error(), "version conflict")

		bindingErr := persistence.NewBindingError("Delete", "+15550001111", persistence.ErrBindingNotFound)
		assert.Contains(t, bindingErr.Error(), "+15550001111")
	})
}
