package rag

import (
	"math"
	"sort"
	"strings"

	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
)

// BM25 parameters. The source material never pinned a lexical scorer; we
// use standard Okapi BM25 with the textbook constants.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// lexicalRank scores entries against the query terms with BM25 and returns
// the top k, best first. Ties break by (document id, ordinal) ascending.
func lexicalRank(query string, entries []vectorindex.Entry, k int) []vectorindex.Scored {
	terms := strings.Fields(normalizeQuery(query))
	if len(terms) == 0 || len(entries) == 0 {
		return nil
	}

	docTerms := make([]map[string]int, len(entries))
	var totalLen float64
	for i, e := range entries {
		tf := make(map[string]int)
		words := strings.Fields(strings.ToLower(e.Text))
		for _, w := range words {
			tf[strings.Trim(w, `.,;:!?"'()[]`)]++
		}
		docTerms[i] = tf
		totalLen += float64(len(words))
	}
	avgLen := totalLen / float64(len(entries))
	if avgLen == 0 {
		return nil
	}

	df := make(map[string]int)
	for _, term := range terms {
		for _, tf := range docTerms {
			if tf[term] > 0 {
				df[term]++
			}
		}
	}

	n := float64(len(entries))
	scored := make([]vectorindex.Scored, 0, len(entries))
	for i, e := range entries {
		var score float64
		docLen := 0
		for _, c := range docTerms[i] {
			docLen += c
		}
		for _, term := range terms {
			tf := float64(docTerms[i][term])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgLen))
			score += idf * norm
		}
		if score > 0 {
			scored = append(scored, vectorindex.Scored{Entry: e, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Entry.DocumentID != scored[j].Entry.DocumentID {
			return scored[i].Entry.DocumentID < scored[j].Entry.DocumentID
		}
		return scored[i].Entry.Ordinal < scored[j].Entry.Ordinal
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
