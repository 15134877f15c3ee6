package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

func rawItem(source, content string) RawItem {
	return RawItem{
		SourceURI: source,
		Content:   content,
		Meta:      store.DocMetadata{Type: "node_doc", Language: "en"},
	}
}

func testPipeline(t *testing.T, resolver SourceResolver) (*Pipeline, *vectorindex.Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mgr := vectorindex.NewManager("docs", nil, nil)
	p := NewPipeline(mem, adapters.MockEmbedder{Dim: 32}, mgr, resolver, metrics.New(), nil)
	return p, mgr, mem
}

func TestIngestJobSucceeds(t *testing.T) {
	resolver := StaticResolver{Items: []RawItem{
		rawItem("mem://a", "Fee policy basics. Keep rates sane."),
		rawItem("mem://b", "Liquidity management for routing nodes."),
	}}
	p, mgr, mem := testPipeline(t, resolver)
	ctx := context.Background()

	_, err := mgr.BeginReindex("v1")
	require.NoError(t, err)

	jobID, err := p.Ingest(ctx, "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status.State)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Succeeded)
	assert.Zero(t, status.Failed)

	assert.Equal(t, 2, mgr.Building().Len(), "short documents chunk 1:1")
	docs, err := mem.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestIngestIdempotentForUnchangedContent(t *testing.T) {
	resolver := StaticResolver{Items: []RawItem{rawItem("mem://a", "Same content every run.")}}
	p, mgr, mem := testPipeline(t, resolver)
	ctx := context.Background()

	_, err := mgr.BeginReindex("v1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		jobID, err := p.Ingest(ctx, "mem://batch")
		require.NoError(t, err)
		p.Wait()
		status, err := p.JobStatus(jobID)
		require.NoError(t, err)
		assert.Equal(t, JobSucceeded, status.State)
	}

	assert.Equal(t, 1, mgr.Building().Len())
	docs, err := mem.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIngestOpensOwnBuildWhenNoneActive(t *testing.T) {
	resolver := StaticResolver{Items: []RawItem{rawItem("mem://a", "content")}}
	p, mgr, _ := testPipeline(t, resolver)

	jobID, err := p.Ingest(context.Background(), "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status.State)
	assert.Equal(t, 1, status.Succeeded)

	cur, err := mgr.Current()
	require.NoError(t, err, "job-owned build must finalize the alias")
	assert.Equal(t, "v1", cur.EmbedVersion)
	assert.Equal(t, 1, cur.Len())
	assert.Nil(t, mgr.Building())
}

func TestIngestOwnBuildKeepsPersistedCorpus(t *testing.T) {
	p, mgr, mem := testPipeline(t, StaticResolver{})
	ctx := context.Background()

	require.NoError(t, mem.UpsertDocument(ctx, store.Document{
		ID:        DocumentID("mem://old", "Older routing guidance."),
		SourceURI: "mem://old",
		Content:   "Older routing guidance.",
		Metadata:  store.DocMetadata{Type: "node_doc"},
	}))
	require.NoError(t, p.ReindexFromStore(ctx, "v1"))

	p.resolver = StaticResolver{Items: []RawItem{rawItem("mem://new", "Fresh fee guidance.")}}
	jobID, err := p.Ingest(ctx, "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status.State)

	cur, err := mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Len(), "alias swap must not drop the existing corpus")
}

func TestIngestAbortsOwnBuildOnFailure(t *testing.T) {
	p, mgr, _ := testPipeline(t, StaticResolver{Err: errors.New("unreachable")})

	jobID, err := p.Ingest(context.Background(), "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, status.State)

	assert.Nil(t, mgr.Building(), "failed job must not leave its build behind")
	_, err = mgr.Current()
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestIngestEmptySourceURI(t *testing.T) {
	p, _, _ := testPipeline(t, StaticResolver{})
	_, err := p.Ingest(context.Background(), "")
	assert.Equal(t, faults.KindInvalid, faults.KindOf(err))
}

func TestIngestResolverFailure(t *testing.T) {
	p, _, _ := testPipeline(t, StaticResolver{Err: errors.New("unreachable")})
	jobID, err := p.Ingest(context.Background(), "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, status.State)
}

func TestIngestFailureRatioMarksJobFailed(t *testing.T) {
	// 1 failure out of 10 items is 10%, over the 5% tolerance.
	items := make([]RawItem, 10)
	for i := range items {
		items[i] = rawItem(fmt.Sprintf("mem://%d", i), fmt.Sprintf("Document number %d.", i))
	}
	p, mgr, _ := testPipeline(t, StaticResolver{Items: items})
	p.embedder = failingEmbedder{failOn: "Document number 7.", inner: adapters.MockEmbedder{Dim: 32}}
	ctx := context.Background()

	_, err := mgr.BeginReindex("v1")
	require.NoError(t, err)

	jobID, err := p.Ingest(ctx, "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, status.State)
	assert.Equal(t, 9, status.Succeeded)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 9, mgr.Building().Len(), "surviving items still land")
}

func TestIngestRetriesTransientItemErrors(t *testing.T) {
	flaky := &countingEmbedder{inner: adapters.MockEmbedder{Dim: 32}, failFirst: 2}
	p, mgr, _ := testPipeline(t, StaticResolver{Items: []RawItem{rawItem("mem://a", "content")}})
	p.embedder = flaky
	ctx := context.Background()

	_, err := mgr.BeginReindex("v1")
	require.NoError(t, err)

	jobID, err := p.Ingest(ctx, "mem://batch")
	require.NoError(t, err)
	p.Wait()

	status, err := p.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, status.State)
	assert.Equal(t, 3, flaky.calls)
}

func TestJobStatusUnknownID(t *testing.T) {
	p, _, _ := testPipeline(t, StaticResolver{})
	_, err := p.JobStatus("nope")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestReindexFromStoreFlipsAlias(t *testing.T) {
	p, mgr, mem := testPipeline(t, StaticResolver{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, mem.UpsertDocument(ctx, store.Document{
			ID:        DocumentID(fmt.Sprintf("mem://%d", i), "content"),
			SourceURI: fmt.Sprintf("mem://%d", i),
			Content:   fmt.Sprintf("Document number %d.", i),
			Metadata:  store.DocMetadata{Type: "node_doc"},
		}))
	}

	require.NoError(t, p.ReindexFromStore(ctx, "v1"))
	cur, err := mgr.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", cur.EmbedVersion)
	assert.Equal(t, 3, cur.Len())
	assert.Nil(t, mgr.Building())
}

func TestReindexFromStoreAbortsOnListFailure(t *testing.T) {
	failing := &failingDocStore{Memory: store.NewMemory()}
	mgr := vectorindex.NewManager("docs", nil, nil)
	p := NewPipeline(failing, adapters.MockEmbedder{Dim: 32}, mgr, StaticResolver{}, nil, nil)

	require.Error(t, p.ReindexFromStore(context.Background(), "v1"))
	assert.Nil(t, mgr.Building())
	_, err := mgr.Current()
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

type failingEmbedder struct {
	inner  adapters.MockEmbedder
	failOn string
}

func (f failingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.inner.EmbedQuery(ctx, text)
}

func (f failingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == f.failOn {
			return nil, faults.Permanent("EmbedDocuments", "embedder", errors.New("rejected input"))
		}
	}
	return f.inner.EmbedDocuments(ctx, texts)
}

type countingEmbedder struct {
	inner     adapters.MockEmbedder
	failFirst int
	calls     int
}

func (c *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.inner.EmbedQuery(ctx, text)
}

func (c *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	if c.calls <= c.failFirst {
		return nil, faults.Transient("EmbedDocuments", "embedder", errors.New("overloaded"))
	}
	return c.inner.EmbedDocuments(ctx, texts)
}

type failingDocStore struct {
	*store.Memory
}

func (f *failingDocStore) ListDocuments(context.Context) ([]store.Document, error) {
	return nil, faults.Unavailable("ListDocuments", "store", errors.New("down"))
}
