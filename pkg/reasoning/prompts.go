// Package reasoning turns retrieval context and node state into structured
// recommendations through a single-prompt LLM contract with strict JSON
// output, a bounded repair retry, and version-keyed answer caching.
package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/rag"
)

// Task selects a prompt template.
type Task string

const (
	TaskFeeRecommendation     Task = "fee_recommendation"
	TaskChannelRecommendation Task = "channel_recommendation"
	TaskDailyReport           Task = "daily_report"
)

// Input is everything a prompt can draw on.
type Input struct {
	Query        string
	EmbedVersion string
	Hits         []rag.Hit
	Snapshot     *ln.NodeSnapshot
	Channels     []ln.ChannelState
}

// promptContext is the serialized context block embedded in every prompt.
type promptContext struct {
	Task          Task               `json:"task"`
	PromptVersion string             `json:"prompt_version"`
	Query         string             `json:"query"`
	Node          *ln.NodeSnapshot   `json:"node,omitempty"`
	Channels      []ln.ChannelState  `json:"channels,omitempty"`
	Context       []promptContextDoc `json:"context"`
}

type promptContextDoc struct {
	ChunkID   string `json:"chunk_id"`
	SourceURI string `json:"source_uri,omitempty"`
	Text      string `json:"text"`
}

var taskInstructions = map[Task]string{
	TaskFeeRecommendation: "Recommend per-channel forwarding fee rates for the node below. " +
		"Only suggest channels that appear in the channel list. Target rates are in ppm.",
	TaskChannelRecommendation: "Recommend peers this node should open channels to. " +
		"Only suggest pubkeys supported by the supplied context. Score each candidate in [0,1].",
	TaskDailyReport: "Write a concise operational summary of the node below: health, " +
		"liquidity balance, routing performance, and fee posture. Plain prose in the summary field.",
}

// Build renders the prompt for task at promptVersion. Hits beyond maxHits
// are dropped, best first.
func Build(task Task, promptVersion string, in Input, maxHits int) (string, error) {
	instructions, ok := taskInstructions[task]
	if !ok {
		return "", fmt.Errorf("unknown reasoning task %q", task)
	}

	hits := in.Hits
	if maxHits > 0 && len(hits) > maxHits {
		hits = hits[:maxHits]
	}
	pc := promptContext{
		Task:          task,
		PromptVersion: promptVersion,
		Query:         in.Query,
		Node:          in.Snapshot,
		Channels:      in.Channels,
		Context: lo.Map(hits, func(h rag.Hit, _ int) promptContextDoc {
			return promptContextDoc{ChunkID: h.ChunkID, SourceURI: h.SourceURI, Text: h.Text}
		}),
	}
	blob, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt context: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are an operations assistant for a Lightning Network routing node.\n")
	b.WriteString(instructions)
	b.WriteString("\n\nGround every claim in the context documents; if the context is insufficient, ")
	b.WriteString("set no_context to true and keep the summary conservative.\n\n")
	b.WriteString("Input:\n")
	b.Write(blob)
	b.WriteString("\n\nRespond with a single JSON object and nothing else, using this schema:\n")
	b.WriteString(outputSchema)
	return b.String(), nil
}

const outputSchema = `{
  "summary": "string",
  "candidate_peers": [{"peer_pubkey": "string", "score": 0.0, "rationale": "string"}],
  "fee_suggestions": [{"channel_id": "string", "target_fee_rate_ppm": 0, "confidence": 0.0, "rationale": "string"}],
  "confidence": 0.0,
  "no_context": false
}`

// repairPrompt asks the model to reshape a malformed answer. One shot.
func repairPrompt(raw string) string {
	var b strings.Builder
	b.WriteString("The previous answer was not valid JSON matching the schema:\n")
	b.WriteString(outputSchema)
	b.WriteString("\n\nRewrite it as a single valid JSON object, preserving its content. Previous answer:\n")
	b.WriteString(raw)
	return b.String()
}
