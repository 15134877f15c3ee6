package rag

import "strings"

// Chunk is a contiguous slice of a document prepared for embedding.
type Chunk struct {
	ID           string
	DocumentID   string
	Ordinal      int
	Text         string
	TokenCount   int
	EmbedVersion string
}

// Chunker splits document text into overlapping windows. Token counts are
// approximated by whitespace-delimited words.
type Chunker struct {
	// TargetTokens is the desired window size.
	TargetTokens int
	// Overlap is the fraction of the window shared with its successor.
	Overlap float64
}

// DefaultChunker matches the ingestion contract: ~800 token windows with
// 15% overlap, preferring a sentence boundary within the last 20% of the
// window.
func DefaultChunker() Chunker {
	return Chunker{TargetTokens: 800, Overlap: 0.15}
}

// Split chunks text for documentID at embedVersion. Chunks form a
// contiguous ordinal sequence starting at zero.
func (c Chunker) Split(documentID, embedVersion, text string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	target := c.TargetTokens
	if target <= 0 {
		target = 800
	}
	step := target - int(float64(target)*c.Overlap)
	if step < 1 {
		step = 1
	}

	var chunks []Chunk
	ordinal := 0
	for start := 0; start < len(words); start += step {
		end := start + target
		if end >= len(words) {
			end = len(words)
		} else {
			end = sentenceAlignedEnd(words, start, end)
		}
		body := strings.Join(words[start:end], " ")
		chunks = append(chunks, Chunk{
			ID:           ChunkID(documentID, embedVersion, ordinal),
			DocumentID:   documentID,
			Ordinal:      ordinal,
			Text:         body,
			TokenCount:   end - start,
			EmbedVersion: embedVersion,
		})
		ordinal++
		if end == len(words) {
			break
		}
	}
	return chunks
}

// sentenceAlignedEnd walks back from the hard window end looking for a
// sentence terminator within the last 20% of the window; splitting
// mid-sentence is a last resort.
func sentenceAlignedEnd(words []string, start, end int) int {
	window := end - start
	floor := end - window/5
	if floor <= start {
		floor = start + 1
	}
	for i := end - 1; i >= floor; i-- {
		if endsSentence(words[i]) {
			return i + 1
		}
	}
	return end
}

func endsSentence(word string) bool {
	trimmed := strings.TrimRight(word, `"')]`)
	return strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?")
}
