// Package planner rewrites tool-call plans before execution. The only pass
// today expands phases covering a wide date range into explicit loops over
// sub-ranges, so each tool call stays within a window the downstream data
// tools handle well.
package planner

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// PhaseKindLoop marks a phase produced by the rewrite pass.
const PhaseKindLoop = "loop"

// loopable granularities and their window width.
var granularityStep = map[string]func(time.Time) time.Time{
	"day":   func(t time.Time) time.Time { return t.AddDate(0, 0, 1) },
	"week":  func(t time.Time) time.Time { return t.AddDate(0, 0, 7) },
	"month": func(t time.Time) time.Time { return t.AddDate(0, 1, 0) },
}

// RewriteForDateRangeLoops expands any phase whose tool args carry a date
// range wider than one granularity unit into a loop phase over sub-ranges.
// Phases that don't match pass through untouched, and the pass is idempotent:
// running it over an already-rewritten plan changes nothing.
func RewriteForDateRangeLoops(phases []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(phases))
	for _, phase := range phases {
		if rewritten, ok := rewritePhase(phase); ok {
			out = append(out, rewritten)
		} else {
			out = append(out, phase)
		}
	}
	return out
}

func rewritePhase(phase map[string]any) (map[string]any, bool) {
	if kind, _ := phase["kind"].(string); kind == PhaseKindLoop {
		return nil, false
	}
	args, ok := phase["args"].(map[string]any)
	if !ok {
		return nil, false
	}

	granularity, _ := args["granularity"].(string)
	step, loopable := granularityStep[granularity]
	if !loopable {
		return nil, false
	}

	start, err := parseDate(args["start_date"])
	if err != nil {
		return nil, false
	}
	end, err := parseDate(args["end_date"])
	if err != nil || !end.After(start) {
		return nil, false
	}

	windows := splitRange(start, end, step)
	if len(windows) < 2 {
		// Already within one unit; nothing to expand.
		return nil, false
	}

	iterations := make([]map[string]any, 0, len(windows))
	for _, w := range windows {
		iterArgs := cloneArgs(args)
		iterArgs["start_date"] = w.start.Format(dateLayout)
		iterArgs["end_date"] = w.end.Format(dateLayout)
		iterations = append(iterations, iterArgs)
	}

	loop := map[string]any{
		"kind":       PhaseKindLoop,
		"tool":       phase["tool"],
		"iterations": iterations,
	}
	if desc, ok := phase["description"].(string); ok && desc != "" {
		loop["description"] = fmt.Sprintf("%s (split into %d %s windows)", desc, len(windows), granularity)
	}
	return loop, true
}

type window struct {
	start, end time.Time
}

// splitRange cuts [start, end] into step-wide windows. The last window is
// clamped to end rather than overshooting.
func splitRange(start, end time.Time, step func(time.Time) time.Time) []window {
	var out []window
	for cur := start; cur.Before(end); {
		next := step(cur)
		wEnd := next.AddDate(0, 0, -1)
		if wEnd.After(end) {
			wEnd = end
		}
		out = append(out, window{start: cur, end: wEnd})
		cur = next
	}
	return out
}

func parseDate(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("planner: not a date string")
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("planner: parse date: %w", err)
	}
	return t, nil
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
