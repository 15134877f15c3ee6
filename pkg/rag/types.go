// Package rag implements the retrieval-augmented generation core: document
// ingestion, chunking, embedding, hybrid retrieval with reciprocal rank
// fusion, and fingerprint-keyed result caching.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Hit is one retrieval result with its fused score and source metadata.
type Hit struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	Ordinal     int       `json:"ordinal"`
	Text        string    `json:"text"`
	Score       float64   `json:"score"`
	SourceURI   string    `json:"source_uri,omitempty"`
	Type        string    `json:"type,omitempty"`
	RelatedNode string    `json:"related_node,omitempty"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Filters narrows retrieval to matching chunks. Zero values match all.
type Filters struct {
	Type         string    `json:"type,omitempty"`
	RelatedNode  string    `json:"related_node,omitempty"`
	Language     string    `json:"language,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
}

// canonical renders the filters deterministically for fingerprinting.
func (f Filters) canonical() string {
	parts := []string{
		"type=" + f.Type,
		"related_node=" + f.RelatedNode,
		"language=" + f.Language,
	}
	if !f.CreatedAfter.IsZero() {
		parts = append(parts, "created_after="+f.CreatedAfter.UTC().Format(time.RFC3339))
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// DocumentID derives the stable document id from content and source.
func DocumentID(sourceURI, content string) string {
	sum := sha256.Sum256([]byte(sourceURI + "\x00" + content))
	return "doc-" + hex.EncodeToString(sum[:12])
}

// ChunkID derives the stable chunk id. Identical content re-ingested under
// the same embed version yields identical ids.
func ChunkID(documentID, embedVersion string, ordinal int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", documentID, embedVersion, ordinal)))
	return "chk-" + hex.EncodeToString(sum[:12])
}

// Fingerprint keys retrieval cache entries: a stable hash of the normalized
// query, embed version, filters and k.
func Fingerprint(query, embedVersion string, filters Filters, k int) string {
	canon := normalizeQuery(query) + "\x00" + embedVersion + "\x00" + filters.canonical() + "\x00" + fmt.Sprint(k)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:16])
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
