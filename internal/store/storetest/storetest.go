// Package storetest holds the behavioral checks every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Record builds a text-document record for tests.
func Record(documentID string, version int64) model.ChangeRecord {
	return model.ChangeRecord{
		SessionID:  "s-" + documentID,
		DocumentID: documentID,
		UserID:     "alice",
		Op:         json.RawMessage(fmt.Sprintf(`{"position":%d,"insert":"x"}`, version)),
		Version:    version,
		Timestamp:  time.Date(2026, 1, 1, 0, 0, int(version), 0, time.UTC),
	}
}

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("EmptyDocument", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, found, err := s.FindMaxVersion(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		recs, err := s.List(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("SaveAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, []model.ChangeRecord{Record("d1", 0), Record("d1", 1)}))
		require.NoError(t, s.Save(ctx, []model.ChangeRecord{Record("d1", 2)}))
		require.NoError(t, s.Save(ctx, []model.ChangeRecord{Record("d2", 0)}))

		max, found, err := s.FindMaxVersion(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(2), max)

		recs, err := s.List(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		for i, r := range recs {
			want := Record("d1", int64(i))
			assert.Equal(t, want.Version, r.Version)
			assert.Equal(t, want.SessionID, r.SessionID)
			assert.Equal(t, want.UserID, r.UserID)
			assert.JSONEq(t, string(want.Op), string(r.Op))
			assert.True(t, want.Timestamp.Equal(r.Timestamp))
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(context.Background(), nil))
	})

	t.Run("DuplicateVersionRejectsWholeBatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, []model.ChangeRecord{Record("d1", 0)}))
		err := s.Save(ctx, []model.ChangeRecord{Record("d1", 1), Record("d1", 0)})
		require.ErrorIs(t, err, store.ErrDuplicateVersion)

		recs, err := s.List(ctx, "d1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}
