package extension

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uderia/uderia/internal/llm"
)

type cannedLLM struct{ text string }

func (c *cannedLLM) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{Text: c.text, Model: "canned"}, nil
}

func (c *cannedLLM) Name() string { return "canned" }

func TestChartGenerator(t *testing.T) {
	out, err := chartGenerator(context.Background(),
		map[string]any{"chart_type": "bar", "title": "Revenue", "data": []any{1.0, 2.0}},
		&RunContext{Answer: "ignored"})
	require.NoError(t, err)
	chart := out["chart"].(map[string]any)
	assert.Equal(t, "bar", chart["type"])
	assert.Equal(t, []any{1.0, 2.0}, chart["data"])

	// Without data the raw answer is passed through for table extraction.
	out, err = chartGenerator(context.Background(),
		map[string]any{"chart_type": "line"},
		&RunContext{Answer: "| q | v |"})
	require.NoError(t, err)
	assert.Equal(t, "| q | v |", out["chart"].(map[string]any)["source_text"])

	_, err = chartGenerator(context.Background(),
		map[string]any{"chart_type": "hologram"}, &RunContext{})
	require.Error(t, err)
}

func TestSummarizer(t *testing.T) {
	out, err := summarizer(context.Background(), nil,
		&RunContext{Answer: "long answer", LLM: &cannedLLM{text: "  short.  "}})
	require.NoError(t, err)
	assert.Equal(t, "short.", out["summary"])

	_, err = summarizer(context.Background(), nil, &RunContext{Answer: "x"})
	require.Error(t, err, "no LLM injected")
}

func TestCitationCheck(t *testing.T) {
	out, err := citationCheck(context.Background(),
		map[string]any{"sources": []any{"sales_2024.csv", "ghost.pdf"}},
		&RunContext{Answer: "Per sales_2024.csv, revenue grew."})
	require.NoError(t, err)
	assert.Equal(t, []string{"sales_2024.csv"}, out["cited"])
	assert.Equal(t, []string{"ghost.pdf"}, out["uncited"])
}
