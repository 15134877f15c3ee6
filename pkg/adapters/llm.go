package adapters

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/moniteurlabs/moniteur/pkg/faults"
)

// Completer produces a completion for one prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLM wraps a langchaingo model behind the shared call contract.
type LLM struct {
	model  llms.Model
	caller *Caller
}

// NewLLM wraps model for the "llm" target.
func NewLLM(model llms.Model, caller *Caller) *LLM {
	return &LLM{model: model, caller: caller}
}

func (l *LLM) Complete(ctx context.Context, prompt string) (string, error) {
	var out string
	err := l.caller.Do(ctx, "Complete", func(ctx context.Context) error {
		resp, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt)
		if err != nil {
			return faults.Transient("Complete", "llm", err)
		}
		out = resp
		return nil
	})
	return out, err
}
