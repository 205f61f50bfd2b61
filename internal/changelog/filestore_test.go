package changelog_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-cms/collab/internal/changelog"
	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/internal/store/storetest"
	"github.com/inkwell-cms/collab/pkg/model"
)

func newStore(t *testing.T) *changelog.FileStore {
	s, err := changelog.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
}

func TestFileStore_HashChain(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []model.ChangeRecord{storetest.Record("d1", 0)}))
	require.NoError(t, s.Save(ctx, []model.ChangeRecord{storetest.Record("d1", 1), storetest.Record("d1", 2)}))

	entries, malformed, err := s.Entries(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, malformed)
	require.Len(t, entries, 3)

	assert.Equal(t, model.HashValue(""), entries[0].PrevHash)
	for i, e := range entries {
		assert.NotEmpty(t, e.RecordHash)
		want, err := changelog.ComputeHash(&e)
		require.NoError(t, err)
		assert.Equal(t, want, e.RecordHash)
		if i > 0 {
			assert.Equal(t, entries[i-1].RecordHash, e.PrevHash)
		}
	}
}

func TestFileStore_HashIgnoresOpKeyOrder(t *testing.T) {
	a := model.LogEntry{ChangeRecord: storetest.Record("d1", 0)}
	b := a
	a.Op = json.RawMessage(`{"position":1,"insert":"x"}`)
	b.Op = json.RawMessage(`{ "insert": "x", "position": 1 }`)

	ha, err := changelog.ComputeHash(&a)
	require.NoError(t, err)
	hb, err := changelog.ComputeHash(&b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b.Version = 1
	hb, err = changelog.ComputeHash(&b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestFileStore_DocumentIDEscaped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []model.ChangeRecord{storetest.Record("tenant/a:b", 0)}))
	_, err := os.Stat(s.Path("tenant/a:b"))
	require.NoError(t, err)

	recs, err := s.List(ctx, "tenant/a:b")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFileStore_MalformedLinesSkipped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []model.ChangeRecord{storetest.Record("d1", 0)}))
	f, err := os.OpenFile(s.Path("d1"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, malformed, err := s.Entries(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, malformed)

	require.NoError(t, s.Save(ctx, []model.ChangeRecord{storetest.Record("d1", 1)}))
	max, found, err := s.FindMaxVersion(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), max)
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			s.Save(ctx, []model.ChangeRecord{storetest.Record("d1", v)})
		}(int64(i))
	}
	wg.Wait()

	recs, err := s.List(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for i, r := range recs {
		assert.Equal(t, int64(i), r.Version)
	}
}

func TestFileStore_Documents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	docs, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	require.NoError(t, s.Save(ctx, []model.ChangeRecord{
		storetest.Record("notes:b", 0),
		storetest.Record("a/1", 0),
	}))
	docs, err = s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "notes:b"}, docs)
}
