package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	base := New("disk I/O error")

	err := WrapPersistence(base, "insert occurrence")
	err = Wrap(err, "materialize job j-1")
	err = fmt.Errorf("refresh: %w", err)

	assert.True(t, IsPersistence(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestTaxonomyIsDisjoint(t *testing.T) {
	cases := map[string]error{
		"validation": NewValidationf("day_of_month %d out of range", 31),
		"not_found":  NewNotFoundf("occurrence %s", "o-1"),
		"conflict":   NewStateConflictf("occurrence %s is %s", "o-1", "skipped"),
		"collab":     WrapCollaborator(New("invoice service down"), "create invoice"),
	}

	assert.True(t, IsValidation(cases["validation"]))
	assert.True(t, IsNotFound(cases["not_found"]))
	assert.True(t, IsStateConflict(cases["conflict"]))
	assert.True(t, IsCollaborator(cases["collab"]))

	assert.False(t, IsStateConflict(cases["collab"]))
	assert.False(t, IsCollaborator(cases["conflict"]))
	assert.False(t, IsValidation(cases["not_found"]))
}

func TestNilHelpers(t *testing.T) {
	assert.Nil(t, WrapPersistence(nil, "noop"))
	assert.Nil(t, WrapCollaborator(nil, "noop"))
	assert.False(t, IsPersistence(nil))
}
