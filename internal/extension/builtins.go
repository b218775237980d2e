package extension

import (
	"context"
	"fmt"
	"strings"

	"github.com/uderia/uderia/internal/llm"
)

// RegisterBuiltins installs the extensions that ship with the server.
func RegisterBuiltins(r *Registry) {
	r.Register(Definition{
		Name:           "chart_generator",
		Description:    "Builds a renderable chart spec from tabular data embedded in the answer.",
		RequiredParams: []string{"chart_type"},
		Handler:        chartGenerator,
	})
	r.Register(Definition{
		Name:        "summarizer",
		Description: "Condenses the answer into a short summary using the configured LLM.",
		Handler:     summarizer,
	})
	r.Register(Definition{
		Name:        "citation_check",
		Description: "Flags answer claims that reference no retrieved source.",
		Handler:     citationCheck,
	})
}

// chartGenerator emits a chart spec the UI components can render directly.
// It does not call the LLM; the data series come in via params.
func chartGenerator(_ context.Context, param map[string]any, rctx *RunContext) (map[string]any, error) {
	chartType, _ := param["chart_type"].(string)
	switch chartType {
	case "bar", "line", "pie", "scatter":
	default:
		return nil, fmt.Errorf("unsupported chart_type %q", chartType)
	}

	spec := map[string]any{
		"type":  chartType,
		"title": param["title"],
	}
	if data, ok := param["data"]; ok {
		spec["data"] = data
	} else {
		// No explicit data: hand the raw answer to the renderer, which
		// extracts markdown tables itself.
		spec["source_text"] = rctx.Answer
	}
	return map[string]any{"chart": spec}, nil
}

const summaryPrompt = "Summarize the following answer in at most three sentences. Keep concrete numbers and names.\n\n"

func summarizer(ctx context.Context, param map[string]any, rctx *RunContext) (map[string]any, error) {
	if rctx.LLM == nil {
		return nil, fmt.Errorf("summarizer requires an LLM client")
	}
	maxTokens := 256
	if v, ok := param["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}
	resp, err := rctx.LLM.Complete(ctx, llm.Request{
		Prompt:    summaryPrompt + rctx.Answer,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	return map[string]any{"summary": strings.TrimSpace(resp.Text)}, nil
}

// citationCheck is a cheap lexical pass: it reports whether the answer cites
// any of the sources named in params.
func citationCheck(_ context.Context, param map[string]any, rctx *RunContext) (map[string]any, error) {
	sources, _ := param["sources"].([]any)
	cited := make([]string, 0, len(sources))
	missing := make([]string, 0)
	for _, s := range sources {
		name, ok := s.(string)
		if !ok || name == "" {
			continue
		}
		if strings.Contains(rctx.Answer, name) {
			cited = append(cited, name)
		} else {
			missing = append(missing, name)
		}
	}
	return map[string]any{"cited": cited, "uncited": missing}, nil
}
