package reasoning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
)

// CandidatePeer is one suggested channel partner.
type CandidatePeer struct {
	PeerPubkey string  `json:"peer_pubkey"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale,omitempty"`
}

// FeeSuggestion is one suggested fee change.
type FeeSuggestion struct {
	ChannelID        string  `json:"channel_id"`
	TargetFeeRatePPM int64   `json:"target_fee_rate_ppm"`
	Confidence       float64 `json:"confidence"`
	Rationale        string  `json:"rationale,omitempty"`
}

// Output is the structured answer contract shared by every task.
type Output struct {
	Summary        string          `json:"summary"`
	CandidatePeers []CandidatePeer `json:"candidate_peers"`
	FeeSuggestions []FeeSuggestion `json:"fee_suggestions"`
	Confidence     float64         `json:"confidence"`
	NoContext      bool            `json:"no_context"`
}

// Service runs reasoning tasks against the completer with answer caching.
type Service struct {
	completer adapters.Completer
	kv        adapters.KV
	metrics   *metrics.Metrics
	log       *slog.Logger
	cfg       config.ReasoningConfig
}

// NewService wires the reasoning layer.
func NewService(completer adapters.Completer, kv adapters.KV, m *metrics.Metrics, log *slog.Logger, cfg config.ReasoningConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{completer: completer, kv: kv, metrics: m, log: log, cfg: cfg}
}

// AnswerCacheKey builds the KV key for one (task, input) pair. The embed
// version prefixes the key so alias flips invalidate answers together with
// retrieval entries; the model id and prompt version participate so either
// bump starts a fresh cache generation.
func (s *Service) AnswerCacheKey(task Task, in Input) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s", task, in.Query, in.EmbedVersion, s.cfg.ModelID, s.cfg.PromptVersion)
	for _, hit := range in.Hits {
		fmt.Fprintf(h, "\x00%s", hit.ChunkID)
	}
	return "answer:" + in.EmbedVersion + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Run executes task over in. An empty context set short-circuits to a
// conservative no-context answer without calling the model.
func (s *Service) Run(ctx context.Context, task Task, in Input) (*Output, error) {
	if len(in.Hits) == 0 && task != TaskDailyReport {
		return &Output{
			Summary:   "insufficient context to support a recommendation",
			NoContext: true,
		}, nil
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	key := s.AnswerCacheKey(task, in)
	if s.kv != nil {
		if raw, err := s.kv.Get(ctx, key); err == nil {
			var out Output
			if err := json.Unmarshal(raw, &out); err == nil {
				s.countCache(true)
				return &out, nil
			}
		} else if faults.KindOf(err) != faults.KindNotFound {
			s.log.Warn("answer cache read failed", "error", err)
		}
		s.countCache(false)
	}

	prompt, err := Build(task, s.cfg.PromptVersion, in, s.cfg.MaxHits)
	if err != nil {
		return nil, faults.Invalid("Run", "llm", err)
	}
	raw, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	out, parseErr := parseOutput(raw)
	if parseErr != nil {
		// One repair round; a second malformed answer is a permanent fault.
		s.log.Warn("malformed reasoning output, attempting repair", "task", string(task), "error", parseErr)
		repaired, err := s.completer.Complete(ctx, repairPrompt(raw))
		if err != nil {
			return nil, err
		}
		out, parseErr = parseOutput(repaired)
		if parseErr != nil {
			return nil, faults.Permanent("Run", "llm",
				fmt.Errorf("unparseable output after repair: %w", parseErr))
		}
	}

	if s.kv != nil {
		if blob, err := json.Marshal(out); err == nil {
			if err := s.kv.Set(ctx, key, blob, s.cfg.AnswerTTL); err != nil {
				s.log.Warn("answer cache write failed", "error", err)
			}
		}
	}
	return out, nil
}

// parseOutput decodes and sanitizes a model answer. Fenced code blocks are
// tolerated; out-of-range confidences are clamped.
func parseOutput(raw string) (*Output, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var out Output
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	if out.Summary == "" {
		return nil, fmt.Errorf("missing summary")
	}
	out.Confidence = clampUnit(out.Confidence)
	for i := range out.CandidatePeers {
		out.CandidatePeers[i].Score = clampUnit(out.CandidatePeers[i].Score)
	}
	for i := range out.FeeSuggestions {
		out.FeeSuggestions[i].Confidence = clampUnit(out.FeeSuggestions[i].Confidence)
	}
	return &out, nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Service) countCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.WithLabelValues("answer").Inc()
	} else {
		s.metrics.CacheMisses.WithLabelValues("answer").Inc()
	}
}
