package quality

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

const judgeRules = `You review one stage of a content generation pipeline.
Answer with a single JSON object:
{"decision": "proceed"|"retry"|"escalate", "rationale": "...", "symptom": "...", "patch": {"<category>": {"<key>": <value>}}, "target_step": "", "question": ""}
Rules:
- proceed when the output is usable.
- retry only with a patch that changes the stage's configuration.
- never repeat a patch listed under previous attempts, and never send a trivial variation of one.
- on a second retry, change a different kind of parameter than every previous attempt.
- escalate when a human must decide, and put the question in "question".`

// Prompter renders judge prompts under a token budget.
type Prompter struct {
	codec  tokenizer.Codec
	budget int
	table  RemedyTable
}

// NewPrompter loads the named tiktoken encoding. budget bounds the
// attempt history section; 0 means unbounded.
func NewPrompter(encoding string, budget int, table RemedyTable) (*Prompter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &Prompter{codec: codec, budget: budget, table: table}, nil
}

// Tokens counts tokens in s.
func (p *Prompter) Tokens(s string) int {
	ids, _, _ := p.codec.Encode(s)
	return len(ids)
}

// Render builds the full prompt for one evaluation.
func (p *Prompter) Render(ev *Evaluation, artifactURL string) string {
	var b strings.Builder
	b.WriteString(judgeRules)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Intent: %s\n", ev.Intent)
	fmt.Fprintf(&b, "Stage: %s (retry %d)\n", ev.Step, ev.RetryCount)
	if len(ev.Config) > 0 {
		cfg, _ := json.Marshal(ev.Config)
		fmt.Fprintf(&b, "Current configuration: %s\n", cfg)
	}
	if ev.Result != nil {
		if ev.Result.Success {
			payload, _ := json.Marshal(ev.Result.Payload)
			fmt.Fprintf(&b, "Result: success %s\n", payload)
		} else {
			fmt.Fprintf(&b, "Result: failure: %s\n", ev.Result.Error)
		}
	}
	if artifactURL != "" {
		fmt.Fprintf(&b, "Artifact: %s\n", artifactURL)
	}

	b.WriteString("\n")
	b.WriteString(p.renderHistory(ev.History))
	return b.String()
}

// renderHistory lists previous attempts newest last. When the section
// exceeds the budget the oldest attempts are folded into one summary line
// naming the remedy classes they tried.
func (p *Prompter) renderHistory(history []domain.Patch) string {
	if len(history) == 0 {
		return "Previous attempts: none\n"
	}

	lines := make([]string, len(history))
	for i, patch := range history {
		raw, _ := json.Marshal(patch)
		if len(patch) == 0 {
			raw = []byte("{} (unchanged configuration)")
		}
		lines[i] = fmt.Sprintf("- attempt %d: %s\n", i+1, raw)
	}

	header := "Previous attempts (all failed, do not repeat):\n"
	full := header + strings.Join(lines, "")
	if p.budget <= 0 || p.Tokens(full) <= p.budget {
		return full
	}

	// keep the newest entries that fit next to a summary of the rest
	for keep := len(lines) - 1; keep >= 1; keep-- {
		folded := history[:len(history)-keep]
		summary := fmt.Sprintf("- %d earlier attempts changed: %s\n",
			len(folded), strings.Join(sortedKeys(p.table.TriedClasses(folded)), ", "))
		out := header + summary + strings.Join(lines[len(lines)-keep:], "")
		if p.Tokens(out) <= p.budget {
			return out
		}
	}
	return header + fmt.Sprintf("- %d attempts changed: %s\n",
		len(history), strings.Join(sortedKeys(p.table.TriedClasses(history)), ", "))
}

func sortedKeys(m map[string]bool) []string {
	return slices.Sorted(maps.Keys(m))
}
