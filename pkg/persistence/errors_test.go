package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		templateErr := persistence.NewEntityError("GetByID", "template", "tpl-123", persistence.ErrTemplateNotFound)
		approvalErr := persistence.NewEntityError("Delete", "approval", "apr-1", persistence.ErrApprovalNotFound)

		assert.True(t, persistence.IsNotFound(templateErr))
		assert.True(t, persistence.IsNotFound(approvalErr))
		assert.False(t, persistence.IsNotFound(errors.New("disk full")))

		assert.True(t, errors.Is(templateErr, persistence.ErrTemplateNotFound))
		assert.False(t, errors.Is(templateErr, persistence.ErrInstanceNotFound))
	})

	t.Run("entity error contains context", func(t *testing.T) {
		err := persistence.NewEntityError("Save", "instance", "wf-123", persistence.ErrInstanceNotFound)

		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "instance wf-123")
		assert.Contains(t, err.Error(), "workflow instance not found")
	})
}
