package rag

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
)

func testKV(t *testing.T) adapters.KV {
	t.Helper()
	srv := miniredis.RunT(t)
	acfg := config.AdapterConfig{CallTimeout: 2 * time.Second, MaxRetries: 1}
	bcfg := config.Default().Breaker
	kv := adapters.NewRedisKV(srv.Addr(), adapters.NewCaller("kv", acfg, bcfg, metrics.New(), nil))
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func readyManager(t *testing.T, embedder adapters.Embedder, texts ...string) *vectorindex.Manager {
	t.Helper()
	mgr := vectorindex.NewManager("docs", nil, nil)
	name, err := mgr.BeginReindex("v1")
	require.NoError(t, err)
	for i, text := range texts {
		vec, err := embedder.EmbedQuery(context.Background(), text)
		require.NoError(t, err)
		mgr.Building().Upsert(vectorindex.Entry{
			ID:         ChunkID("doc-seed", "v1", i),
			DocumentID: "doc-seed",
			Ordinal:    i,
			Text:       text,
			Vector:     vec,
			Meta:       vectorindex.Meta{Type: "node_doc", CreatedAt: time.Now().UTC()},
		})
	}
	require.NoError(t, mgr.Finalize(context.Background(), name))
	return mgr
}

func TestRetrieveReturnsTopK(t *testing.T) {
	embedder := adapters.MockEmbedder{Dim: 32}
	mgr := readyManager(t, embedder,
		"channel fee policy and routing revenue",
		"rebalancing liquidity across channels",
		"watchtower backups and recovery",
	)
	r := NewRetriever(mgr, embedder, nil, metrics.New(), nil, config.Default().Retrieval)

	hits, err := r.Retrieve(context.Background(), "channel fee policy and routing revenue", Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// The exact query text embeds identically to its chunk and leads on both
	// the vector and lexical lists.
	assert.Equal(t, "channel fee policy and routing revenue", hits[0].Text)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	embedder := adapters.MockEmbedder{Dim: 32}
	mgr := readyManager(t, embedder)
	r := NewRetriever(mgr, embedder, nil, nil, nil, config.Default().Retrieval)

	hits, err := r.Retrieve(context.Background(), "anything", Filters{}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieveNoReadyIndex(t *testing.T) {
	mgr := vectorindex.NewManager("docs", nil, nil)
	r := NewRetriever(mgr, adapters.MockEmbedder{Dim: 32}, nil, nil, nil, config.Default().Retrieval)

	_, err := r.Retrieve(context.Background(), "anything", Filters{}, 5)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestRetrieveServesFromCache(t *testing.T) {
	embedder := adapters.MockEmbedder{Dim: 32}
	mgr := readyManager(t, embedder, "channel fee policy")
	kv := testKV(t)
	m := metrics.New()
	r := NewRetriever(mgr, embedder, kv, m, nil, config.Default().Retrieval)
	ctx := context.Background()

	first, err := r.Retrieve(ctx, "fee policy", Filters{}, 4)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Mutating the index does not change a cached answer.
	cur, err := mgr.Current()
	require.NoError(t, err)
	vec, _ := embedder.EmbedQuery(ctx, "fee policy")
	cur.Upsert(vectorindex.Entry{
		ID: "chk-extra", DocumentID: "doc-extra", Ordinal: 0,
		Text: "fee policy", Vector: vec,
		Meta: vectorindex.Meta{Type: "node_doc", CreatedAt: time.Now().UTC()},
	})

	second, err := r.Retrieve(ctx, "fee policy", Filters{}, 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrieveCacheKeyedByFilters(t *testing.T) {
	embedder := adapters.MockEmbedder{Dim: 32}
	mgr := readyManager(t, embedder, "channel fee policy")
	r := NewRetriever(mgr, embedder, testKV(t), nil, nil, config.Default().Retrieval)
	ctx := context.Background()

	all, err := r.Retrieve(ctx, "fee policy", Filters{}, 4)
	require.NoError(t, err)
	require.Len(t, all, 1)

	none, err := r.Retrieve(ctx, "fee policy", Filters{Type: "network_snapshot"}, 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInvalidateVersionDropsRetiredGeneration(t *testing.T) {
	kv := testKV(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, RetrievalCacheKey("v1", "abc"), []byte("x"), time.Hour))
	require.NoError(t, kv.Set(ctx, "answer:v1:abc", []byte("x"), time.Hour))
	require.NoError(t, kv.Set(ctx, RetrievalCacheKey("v2", "abc"), []byte("x"), time.Hour))

	require.NoError(t, InvalidateVersion(kv)(ctx, "v1"))

	_, err := kv.Get(ctx, RetrievalCacheKey("v1", "abc"))
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
	_, err = kv.Get(ctx, "answer:v1:abc")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
	_, err = kv.Get(ctx, RetrievalCacheKey("v2", "abc"))
	assert.NoError(t, err)
}

func TestEmbedVersionFollowsAlias(t *testing.T) {
	embedder := adapters.MockEmbedder{Dim: 32}
	mgr := readyManager(t, embedder, "doc")
	r := NewRetriever(mgr, embedder, nil, nil, nil, config.Default().Retrieval)
	assert.Equal(t, "v1", r.EmbedVersion())

	name, err := mgr.BeginReindex("v2")
	require.NoError(t, err)
	require.NoError(t, mgr.Finalize(context.Background(), name))
	assert.Equal(t, "v2", r.EmbedVersion())
}
