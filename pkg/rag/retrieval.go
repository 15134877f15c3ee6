package rag

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
)

// rrfConstant dampens rank contributions in reciprocal rank fusion.
const rrfConstant = 60

// Retriever serves hybrid retrieval over the current alias with
// fingerprint-keyed caching.
type Retriever struct {
	manager  *vectorindex.Manager
	embedder adapters.Embedder
	kv       adapters.KV
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      config.RetrievalConfig
}

// NewRetriever wires the retrieval service.
func NewRetriever(manager *vectorindex.Manager, embedder adapters.Embedder, kv adapters.KV, m *metrics.Metrics, log *slog.Logger, cfg config.RetrievalConfig) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{
		manager:  manager,
		embedder: embedder,
		kv:       kv,
		metrics:  m,
		log:      log,
		cfg:      cfg,
	}
}

// EmbedVersion reports the embed version currently served by the alias.
func (r *Retriever) EmbedVersion() string {
	ix, err := r.manager.Current()
	if err != nil {
		return ""
	}
	return ix.EmbedVersion
}

// RetrievalCacheKey builds the KV key for a fingerprint. The embed version
// is part of the key prefix so a finalize can drop a whole generation with
// one pattern delete.
func RetrievalCacheKey(embedVersion, fingerprint string) string {
	return "retrieval:" + embedVersion + ":" + fingerprint
}

// Retrieve returns the top-k hits for query under filters. An empty corpus
// yields an empty slice, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, filters Filters, k int) ([]Hit, error) {
	if k <= 0 {
		k = r.cfg.K
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	ix, err := r.manager.Current()
	if err != nil {
		return nil, err
	}
	fingerprint := Fingerprint(query, ix.EmbedVersion, filters, k)
	cacheKey := RetrievalCacheKey(ix.EmbedVersion, fingerprint)

	if r.kv != nil {
		if raw, err := r.kv.Get(ctx, cacheKey); err == nil {
			var hits []Hit
			if err := json.Unmarshal(raw, &hits); err == nil {
				r.countCache("retrieval", true)
				return hits, nil
			}
		} else if faults.KindOf(err) != faults.KindNotFound {
			// Cache trouble is not a retrieval failure.
			r.log.Warn("retrieval cache read failed", "error", err)
		}
		r.countCache("retrieval", false)
	}

	hits, err := r.search(ctx, ix, query, filters, k)
	if err != nil {
		return nil, err
	}

	if r.kv != nil {
		if raw, err := json.Marshal(hits); err == nil {
			if err := r.kv.Set(ctx, cacheKey, raw, r.cfg.CacheTTL); err != nil {
				r.log.Warn("retrieval cache write failed", "error", err)
			}
		}
	}
	return hits, nil
}

func (r *Retriever) search(ctx context.Context, ix *vectorindex.Index, query string, filters Filters, k int) ([]Hit, error) {
	filter := vectorindex.Filter{
		Type:         filters.Type,
		RelatedNode:  filters.RelatedNode,
		Language:     filters.Language,
		CreatedAfter: filters.CreatedAfter,
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	vecHits := ix.Search(queryVec, k*3, filter)
	lexHits := lexicalRank(query, ix.Entries(filter), k*3)

	fused := fuse(vecHits, lexHits)
	if len(fused) > k {
		fused = fused[:k]
	}

	hits := make([]Hit, 0, len(fused))
	for _, s := range fused {
		e := s.Entry
		hits = append(hits, Hit{
			ChunkID:     e.ID,
			DocumentID:  e.DocumentID,
			Ordinal:     e.Ordinal,
			Text:        e.Text,
			Score:       s.Score,
			SourceURI:   e.Meta.SourceURI,
			Type:        e.Meta.Type,
			RelatedNode: e.Meta.RelatedNode,
			Language:    e.Meta.Language,
			CreatedAt:   e.Meta.CreatedAt,
		})
	}
	return hits, nil
}

// fuse merges ranked lists with reciprocal rank fusion:
// score = sum over lists of 1/(60 + rank). Ties break by (document id,
// ordinal) ascending so equal-score orderings are deterministic.
func fuse(lists ...[]vectorindex.Scored) []vectorindex.Scored {
	type candidate struct {
		entry vectorindex.Entry
		score float64
	}
	byID := make(map[string]*candidate)
	for _, list := range lists {
		for rank, s := range list {
			c, ok := byID[s.Entry.ID]
			if !ok {
				c = &candidate{entry: s.Entry}
				byID[s.Entry.ID] = c
			}
			c.score += 1.0 / float64(rrfConstant+rank+1)
		}
	}
	out := make([]vectorindex.Scored, 0, len(byID))
	for _, c := range byID {
		out = append(out, vectorindex.Scored{Entry: c.entry, Score: c.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Entry.DocumentID != out[j].Entry.DocumentID {
			return out[i].Entry.DocumentID < out[j].Entry.DocumentID
		}
		return out[i].Entry.Ordinal < out[j].Entry.Ordinal
	})
	return out
}

func (r *Retriever) countCache(name string, hit bool) {
	if r.metrics == nil {
		return
	}
	if hit {
		r.metrics.CacheHits.WithLabelValues(name).Inc()
	} else {
		r.metrics.CacheMisses.WithLabelValues(name).Inc()
	}
}

// InvalidateVersion drops every retrieval and answer cache entry keyed by
// embedVersion. Wired as the manager's Invalidator.
func InvalidateVersion(kv adapters.KV) vectorindex.Invalidator {
	return func(ctx context.Context, embedVersion string) error {
		if kv == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		for _, pattern := range []string{
			"retrieval:" + embedVersion + ":*",
			"answer:" + embedVersion + ":*",
		} {
			if _, err := kv.DelPattern(ctx, pattern); err != nil {
				return err
			}
		}
		return nil
	}
}
