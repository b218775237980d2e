package component

import (
	"context"
	"fmt"
)

// RegisterBuiltins installs the renderers that ship with the server.
func RegisterBuiltins(m *Manager) {
	m.Register(Definition{
		Name:        "chart",
		Description: "Wraps a chart spec in the envelope the frontend chart widget expects.",
		Renderer:    renderChart,
	})
	m.Register(Definition{
		Name:        "canvas",
		Description: "Wraps arbitrary document content for the canvas panel.",
		Renderer:    renderCanvas,
	})
}

func renderChart(_ context.Context, input map[string]any, options map[string]any) (map[string]any, error) {
	spec, ok := input["chart"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("chart input missing %q key", "chart")
	}
	payload := map[string]any{
		"kind": "chart",
		"spec": spec,
	}
	if theme, ok := options["theme"].(string); ok && theme != "" {
		payload["theme"] = theme
	}
	return payload, nil
}

func renderCanvas(_ context.Context, input map[string]any, options map[string]any) (map[string]any, error) {
	content, ok := input["content"].(string)
	if !ok || content == "" {
		return nil, fmt.Errorf("canvas input missing %q key", "content")
	}
	format, _ := input["format"].(string)
	if format == "" {
		format = "markdown"
	}
	payload := map[string]any{
		"kind":    "canvas",
		"format":  format,
		"content": content,
	}
	if v, ok := options["read_only"].(bool); ok {
		payload["read_only"] = v
	}
	return payload, nil
}
