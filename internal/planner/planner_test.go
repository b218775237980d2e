package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteExpandsWideMonthlyRange(t *testing.T) {
	phases := []map[string]any{{
		"tool":        "query_sales",
		"description": "quarterly revenue",
		"args": map[string]any{
			"start_date":  "2024-01-01",
			"end_date":    "2024-03-31",
			"granularity": "month",
			"region":      "emea",
		},
	}}

	out := RewriteForDateRangeLoops(phases)
	require.Len(t, out, 1)
	loop := out[0]
	assert.Equal(t, PhaseKindLoop, loop["kind"])
	assert.Equal(t, "query_sales", loop["tool"])

	iters := loop["iterations"].([]map[string]any)
	require.Len(t, iters, 3)
	assert.Equal(t, "2024-01-01", iters[0]["start_date"])
	assert.Equal(t, "2024-01-31", iters[0]["end_date"])
	assert.Equal(t, "2024-02-01", iters[1]["start_date"])
	assert.Equal(t, "2024-02-29", iters[1]["end_date"])
	assert.Equal(t, "2024-03-01", iters[2]["start_date"])
	assert.Equal(t, "2024-03-31", iters[2]["end_date"])
	// Unrelated args carry into every iteration.
	assert.Equal(t, "emea", iters[1]["region"])

	assert.Contains(t, loop["description"], "3 month windows")
}

func TestRewriteClampsFinalWindow(t *testing.T) {
	phases := []map[string]any{{
		"tool": "query_metrics",
		"args": map[string]any{
			"start_date":  "2024-06-01",
			"end_date":    "2024-06-10",
			"granularity": "week",
		},
	}}

	out := RewriteForDateRangeLoops(phases)
	iters := out[0]["iterations"].([]map[string]any)
	require.Len(t, iters, 2)
	assert.Equal(t, "2024-06-07", iters[0]["end_date"])
	assert.Equal(t, "2024-06-08", iters[1]["start_date"])
	assert.Equal(t, "2024-06-10", iters[1]["end_date"])
}

func TestRewritePassesThroughNonMatchingPhases(t *testing.T) {
	phases := []map[string]any{
		{"tool": "lookup", "args": map[string]any{"id": "x"}},
		{"tool": "single_day", "args": map[string]any{
			"start_date": "2024-01-05", "end_date": "2024-01-05", "granularity": "day",
		}},
		{"tool": "yearly", "args": map[string]any{
			"start_date": "2020-01-01", "end_date": "2024-01-01", "granularity": "year",
		}},
		{"tool": "bad_dates", "args": map[string]any{
			"start_date": "not-a-date", "end_date": "2024-01-01", "granularity": "day",
		}},
		{"tool": "no_args"},
	}

	out := RewriteForDateRangeLoops(phases)
	require.Len(t, out, len(phases))
	for i, phase := range out {
		assert.Equal(t, phases[i], phase, "phase %d must pass through unchanged", i)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	phases := []map[string]any{{
		"tool": "query_sales",
		"args": map[string]any{
			"start_date":  "2024-01-01",
			"end_date":    "2024-01-04",
			"granularity": "day",
		},
	}}

	once := RewriteForDateRangeLoops(phases)
	twice := RewriteForDateRangeLoops(once)
	assert.Equal(t, once, twice)

	iters := once[0]["iterations"].([]map[string]any)
	assert.Len(t, iters, 4)
}
