package errclass_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollabError_Error(t *testing.T) {
	err := errclass.ErrLockConflict.WithMessage("doc-1 is locked by alice")
	assert.Equal(t, "E_LOCK_CONFLICT: doc-1 is locked by alice", err.Error())
	assert.Equal(t, "E_CLOSED", errclass.ErrClosed.Error())
}

func TestCollabError_Is(t *testing.T) {
	err := errclass.ErrVersionConflict.WithMessagef("expected %d, got %d", 2, 1)
	require.True(t, errors.Is(err, errclass.ErrVersionConflict))
	require.False(t, errors.Is(err, errclass.ErrLockConflict))
}

func TestCollabError_IsThroughWrap(t *testing.T) {
	err := fmt.Errorf("flush: %w", errclass.ErrPersistenceFailure.WithMessage("store down"))
	assert.ErrorIs(t, err, errclass.ErrPersistenceFailure)
	assert.Equal(t, "E_PERSISTENCE_FAILURE", errclass.Code(err))
}

func TestCode_Unclassified(t *testing.T) {
	assert.Equal(t, "", errclass.Code(errors.New("plain")))
	assert.Equal(t, "", errclass.Code(nil))
}

func TestCollabError_Distinct(t *testing.T) {
	all := []*errclass.CollabError{
		errclass.ErrInvalidSession,
		errclass.ErrVersionConflict,
		errclass.ErrLockConflict,
		errclass.ErrInvalidChange,
		errclass.ErrPersistenceFailure,
		errclass.ErrNameInvalid,
		errclass.ErrClosed,
		errclass.ErrLogChainBroken,
	}
	seen := map[string]bool{}
	for _, e := range all {
		assert.False(t, seen[e.Code], "duplicate code %s", e.Code)
		seen[e.Code] = true
	}
}

func TestMessage(t *testing.T) {
	err := errclass.ErrInvalidChange.WithMessage("bad op")
	assert.Equal(t, "bad op", errclass.Message(err))
	assert.Equal(t, "bad op", errclass.Message(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "plain", errclass.Message(errors.New("plain")))
}
