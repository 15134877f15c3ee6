package vectorindex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moniteurlabs/moniteur/pkg/faults"
)

func entry(id, doc string, ordinal int, vec []float32) Entry {
	return Entry{
		ID: id, DocumentID: doc, Ordinal: ordinal, Text: id, Vector: vec,
		Meta: Meta{Type: "network_snapshot", CreatedAt: time.Now().UTC()},
	}
}

func TestIndexSearchOrdering(t *testing.T) {
	ix := newIndex("docs_v1", "v1")
	ix.Upsert(
		entry("a", "d1", 0, []float32{1, 0}),
		entry("b", "d1", 1, []float32{0.9, 0.1}),
		entry("c", "d2", 0, []float32{0, 1}),
	)

	hits := ix.Search([]float32{1, 0}, 2, Filter{})
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Entry.ID)
	assert.Equal(t, "b", hits[1].Entry.ID)
}

func TestIndexSearchTieBreaksByPosition(t *testing.T) {
	ix := newIndex("docs_v1", "v1")
	// Identical vectors: equal cosine scores.
	ix.Upsert(
		entry("x", "d2", 5, []float32{1, 0}),
		entry("y", "d1", 3, []float32{1, 0}),
		entry("z", "d1", 1, []float32{1, 0}),
	)

	hits := ix.Search([]float32{1, 0}, 3, Filter{})
	require.Len(t, hits, 3)
	assert.Equal(t, "z", hits[0].Entry.ID)
	assert.Equal(t, "y", hits[1].Entry.ID)
	assert.Equal(t, "x", hits[2].Entry.ID)
}

func TestIndexFilter(t *testing.T) {
	ix := newIndex("docs_v1", "v1")
	e := entry("a", "d1", 0, []float32{1, 0})
	e.Meta.RelatedNode = "pk-1"
	f := entry("b", "d2", 0, []float32{1, 0})
	f.Meta.RelatedNode = "pk-2"
	ix.Upsert(e, f)

	hits := ix.Search([]float32{1, 0}, 10, Filter{RelatedNode: "pk-1"})
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Entry.ID)
}

func TestUpsertIdempotentByID(t *testing.T) {
	ix := newIndex("docs_v1", "v1")
	ix.Upsert(entry("a", "d1", 0, []float32{1, 0}))
	ix.Upsert(entry("a", "d1", 0, []float32{0, 1}))
	assert.Equal(t, 1, ix.Len())
}

func TestReindexLifecycle(t *testing.T) {
	var invalidated []string
	mgr := NewManager("docs", func(_ context.Context, v string) error {
		invalidated = append(invalidated, v)
		return nil
	}, nil)
	ctx := context.Background()

	name1, err := mgr.BeginReindex("v1")
	require.NoError(t, err)
	assert.Equal(t, "docs_v1", name1)
	mgr.Building().Upsert(entry("a", "d1", 0, []float32{1, 0}))
	require.NoError(t, mgr.Finalize(ctx, name1))

	cur, err := mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "docs_v1", cur.Name)
	assert.Equal(t, StateReady, cur.State())
	assert.Empty(t, invalidated, "first finalize retires nothing")

	// Shadow build does not disturb the reader path.
	name2, err := mgr.BeginReindex("v2")
	require.NoError(t, err)
	cur, err = mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "docs_v1", cur.Name)

	require.NoError(t, mgr.Finalize(ctx, name2))
	cur, err = mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "docs_v2", cur.Name)
	assert.Equal(t, []string{"v1"}, invalidated)
	assert.Equal(t, 1, mgr.ReadyCount())
}

func TestSingleBuildingIndex(t *testing.T) {
	mgr := NewManager("docs", nil, nil)
	_, err := mgr.BeginReindex("v1")
	require.NoError(t, err)
	_, err = mgr.BeginReindex("v2")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestAbortLeavesAliasUntouched(t *testing.T) {
	mgr := NewManager("docs", nil, nil)
	ctx := context.Background()

	name1, _ := mgr.BeginReindex("v1")
	require.NoError(t, mgr.Finalize(ctx, name1))

	name2, _ := mgr.BeginReindex("v2")
	require.NoError(t, mgr.Abort(name2))

	cur, err := mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "docs_v1", cur.Name)
	assert.Nil(t, mgr.Building())
}

func TestConcurrentReadersDuringFlip(t *testing.T) {
	mgr := NewManager("docs", nil, nil)
	ctx := context.Background()

	name1, _ := mgr.BeginReindex("v1")
	mgr.Building().Upsert(entry("a", "d1", 0, []float32{1, 0}))
	require.NoError(t, mgr.Finalize(ctx, name1))

	name2, _ := mgr.BeginReindex("v2")
	mgr.Building().Upsert(entry("b", "d1", 0, []float32{1, 0}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur, err := mgr.Current()
				if assert.NoError(t, err) {
					// Readers always resolve a ready index.
					assert.NotEqual(t, StateBuilding, cur.State())
				}
				assert.LessOrEqual(t, mgr.ReadyCount(), 1)
			}
		}()
	}
	require.NoError(t, mgr.Finalize(ctx, name2))
	close(stop)
	wg.Wait()

	cur, _ := mgr.Current()
	assert.Equal(t, "docs_v2", cur.Name)
}
