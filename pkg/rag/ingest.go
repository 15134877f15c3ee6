package rag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

// maxItemFailureRatio is the share of failed items beyond which the whole
// job is marked failed.
const maxItemFailureRatio = 0.05

// itemRetries bounds re-queues of an item after a retriable adapter error.
const itemRetries = 3

// JobState is the ingestion job lifecycle.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is the aggregate outcome of one ingestion job.
type JobStatus struct {
	JobID      string    `json:"job_id"`
	SourceURI  string    `json:"source_uri"`
	State      JobState  `json:"state"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RawItem is a normalized source item before chunking.
type RawItem struct {
	SourceURI string
	Content   string
	Meta      store.DocMetadata
}

// SourceResolver turns a source URI into a stream of raw items.
type SourceResolver interface {
	Resolve(ctx context.Context, sourceURI string) ([]RawItem, error)
}

// Pipeline ingests documents: normalize, chunk, embed, and upsert into the
// building vector index. Upserts are idempotent by chunk id, so re-running
// a job over unchanged content is a no-op.
type Pipeline struct {
	docs     store.DocumentStore
	embedder adapters.Embedder
	manager  *vectorindex.Manager
	resolver SourceResolver
	chunker  Chunker
	metrics  *metrics.Metrics
	log      *slog.Logger

	// Version is the embed version a job builds at when it has to open
	// the first index itself; a ready index's version takes precedence.
	Version string

	mu   sync.Mutex
	jobs map[string]*JobStatus
	wg   sync.WaitGroup
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(docs store.DocumentStore, embedder adapters.Embedder, manager *vectorindex.Manager, resolver SourceResolver, m *metrics.Metrics, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		docs:     docs,
		embedder: embedder,
		manager:  manager,
		resolver: resolver,
		chunker:  DefaultChunker(),
		metrics:  m,
		log:      log,
		Version:  "v1",
		jobs:     make(map[string]*JobStatus),
	}
}

// Ingest starts an asynchronous job for sourceURI and returns its id.
// Items land in the building index; when no build is active the job opens
// its own shadow build, re-ingests the persisted corpus into it, and
// finalizes the alias swap on success.
func (p *Pipeline) Ingest(ctx context.Context, sourceURI string) (string, error) {
	if sourceURI == "" {
		return "", faults.Invalid("Ingest", "ingestion", fmt.Errorf("empty source uri"))
	}
	jobID := uuid.NewString()
	status := &JobStatus{
		JobID:     jobID,
		SourceURI: sourceURI,
		State:     JobRunning,
		StartedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	p.jobs[jobID] = status
	p.mu.Unlock()

	// The job outlives the request that started it.
	jobCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(jobCtx, status)
	}()
	return jobID, nil
}

// JobStatus returns a copy of the job's current status.
func (p *Pipeline) JobStatus(jobID string) (*JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.jobs[jobID]
	if !ok {
		return nil, faults.NotFound("JobStatus", "ingestion", fmt.Errorf("job %s", jobID))
	}
	cp := *s
	cp.Errors = append([]string(nil), s.Errors...)
	return &cp, nil
}

// Wait blocks until every started job has finished. Test and one-shot
// helper.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, status *JobStatus) {
	owned := ""
	if p.manager.Building() == nil {
		name, err := p.manager.BeginReindex(p.buildVersion())
		if err == nil {
			owned = name
			if ferr := p.fillFromStore(ctx); ferr != nil {
				_ = p.manager.Abort(owned)
				p.finish(status, 0, 0, []string{ferr.Error()})
				return
			}
		}
		// A conflict means another job opened the build first; share it.
	}

	items, err := p.resolver.Resolve(ctx, status.SourceURI)
	if err != nil {
		if owned != "" {
			_ = p.manager.Abort(owned)
		}
		p.finish(status, 0, 0, []string{err.Error()})
		return
	}

	var failures []string
	succeeded := 0
	for _, item := range items {
		if ctx.Err() != nil {
			failures = append(failures, "canceled")
			break
		}
		if err := p.ingestItem(ctx, item); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", item.SourceURI, err))
			p.countItem("failed")
			continue
		}
		succeeded++
		p.countItem("succeeded")
	}
	state := p.finish(status, len(items), succeeded, failures)

	if owned != "" {
		if state == JobSucceeded {
			if err := p.manager.Finalize(ctx, owned); err != nil {
				p.log.Error("ingest finalize failed", "job_id", status.JobID, "index", owned, "error", err)
			}
		} else {
			_ = p.manager.Abort(owned)
		}
	}
}

// buildVersion picks the embed version for a job-owned shadow build: the
// ready index's version when one exists, the pipeline default otherwise.
func (p *Pipeline) buildVersion() string {
	if cur, err := p.manager.Current(); err == nil {
		return cur.EmbedVersion
	}
	return p.Version
}

func (p *Pipeline) finish(status *JobStatus, total, succeeded int, failures []string) JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	status.Total = total
	status.Succeeded = succeeded
	status.Failed = len(failures)
	status.Errors = failures
	status.FinishedAt = time.Now().UTC()
	if total == 0 && len(failures) > 0 {
		status.State = JobFailed
	} else if total > 0 && float64(len(failures))/float64(total) > maxItemFailureRatio {
		status.State = JobFailed
	} else {
		status.State = JobSucceeded
	}
	p.log.Info("ingestion job finished",
		"job_id", status.JobID, "state", string(status.State),
		"total", total, "failed", len(failures))
	return status.State
}

// fillFromStore ingests every persisted document into the building index,
// so a fresh shadow build starts from the full corpus instead of losing it
// on the alias swap.
func (p *Pipeline) fillFromStore(ctx context.Context) error {
	docs, err := p.docs.ListDocuments(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, d := range docs {
		item := RawItem{SourceURI: d.SourceURI, Content: d.Content, Meta: d.Metadata}
		if err := p.ingestItem(ctx, item); err != nil {
			failed++
			p.log.Warn("reindex item failed", "document", d.ID, "error", err)
		}
	}
	if len(docs) > 0 && float64(failed)/float64(len(docs)) > maxItemFailureRatio {
		return faults.Transient("Reindex", "ingestion",
			fmt.Errorf("%d of %d documents failed", failed, len(docs)))
	}
	return nil
}

// ingestItem normalizes, persists, chunks, embeds and upserts one item.
// Retriable adapter failures re-queue the item a bounded number of times.
func (p *Pipeline) ingestItem(ctx context.Context, item RawItem) error {
	var err error
	for attempt := 0; attempt <= itemRetries; attempt++ {
		if err = p.ingestOnce(ctx, item); err == nil || !faults.Retriable(err) {
			return err
		}
	}
	return err
}

func (p *Pipeline) ingestOnce(ctx context.Context, item RawItem) error {
	building := p.manager.Building()
	if building == nil {
		return faults.Invalid("Ingest", "ingestion", fmt.Errorf("no building index; begin a reindex first"))
	}
	embedVersion := building.EmbedVersion

	docID := DocumentID(item.SourceURI, item.Content)
	meta := item.Meta
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if err := p.docs.UpsertDocument(ctx, store.Document{
		ID:        docID,
		SourceURI: item.SourceURI,
		Content:   item.Content,
		Metadata:  meta,
	}); err != nil && faults.KindOf(err) != faults.KindConflict {
		return err
	}

	chunks := p.chunker.Split(docID, embedVersion, item.Content)
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return faults.Permanent("Ingest", "embedder",
			fmt.Errorf("embedded %d of %d chunks", len(vectors), len(chunks)))
	}

	entries := make([]vectorindex.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorindex.Entry{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			Vector:     vectors[i],
			Meta: vectorindex.Meta{
				SourceURI:   item.SourceURI,
				Type:        meta.Type,
				RelatedNode: meta.RelatedNode,
				Language:    meta.Language,
				CreatedAt:   meta.CreatedAt,
			},
		}
	}
	building.Upsert(entries...)
	return nil
}

func (p *Pipeline) countItem(outcome string) {
	if p.metrics != nil {
		p.metrics.IngestItems.WithLabelValues(outcome).Inc()
	}
}

// ReindexFromStore rebuilds a shadow index at embedVersion from every
// persisted document, then finalizes the swap. This is the admin reindex
// operation behind the CLI.
func (p *Pipeline) ReindexFromStore(ctx context.Context, embedVersion string) error {
	name, err := p.manager.BeginReindex(embedVersion)
	if err != nil {
		return err
	}
	if err := p.fillFromStore(ctx); err != nil {
		_ = p.manager.Abort(name)
		return err
	}
	return p.manager.Finalize(ctx, name)
}

// FileResolver reads a file, or every regular file under a directory, as
// one item each.
type FileResolver struct{}

func (FileResolver) Resolve(_ context.Context, sourceURI string) ([]RawItem, error) {
	path := strings.TrimPrefix(sourceURI, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return nil, faults.NotFound("Resolve", "ingestion", err)
	}
	var paths []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				paths = append(paths, p)
			}
			return nil
		})
		if err != nil {
			return nil, faults.Transient("Resolve", "ingestion", err)
		}
	} else {
		paths = []string{path}
	}
	items := make([]RawItem, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, faults.Transient("Resolve", "ingestion", err)
		}
		items = append(items, RawItem{
			SourceURI: "file://" + p,
			Content:   string(content),
			Meta:      store.DocMetadata{Type: "node_doc", Language: "en"},
		})
	}
	return items, nil
}

// StaticResolver serves a fixed item set; mock mode and tests use it.
type StaticResolver struct {
	Items []RawItem
	Err   error
}

func (s StaticResolver) Resolve(context.Context, string) ([]RawItem, error) {
	return s.Items, s.Err
}
