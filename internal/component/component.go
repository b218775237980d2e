// Package component manages renderer components: named units such as chart
// or canvas renderers that turn structured output into UI-ready payloads.
// Rendering has the same per-unit isolation as the extension pipeline; an
// unknown or broken component yields a failed result, never an error.
package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/storage"
)

// Renderer turns component input into a render payload. Options come from
// the component's stored settings row, if any.
type Renderer func(ctx context.Context, input map[string]any, options map[string]any) (map[string]any, error)

// Definition describes a registered component.
type Definition struct {
	Name        string
	Description string
	Renderer    Renderer
}

// RenderResult is the outcome of one component invocation.
type RenderResult struct {
	Name     string         `json:"name"`
	Success  bool           `json:"success"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// SettingsSource resolves stored settings per component.
type SettingsSource interface {
	GetComponentSetting(ctx context.Context, name string) (model.ComponentSetting, error)
	ListComponentSettings(ctx context.Context) ([]model.ComponentSetting, error)
}

// Manager holds the component registry and renders through stored settings.
type Manager struct {
	defs     map[string]Definition
	order    []string
	settings SettingsSource
	logger   *slog.Logger
}

// NewManager builds an empty manager.
func NewManager(settings SettingsSource, logger *slog.Logger) *Manager {
	return &Manager{
		defs:     make(map[string]Definition),
		settings: settings,
		logger:   logger,
	}
}

// Register adds a definition. Registration happens at startup.
func (m *Manager) Register(def Definition) {
	if _, exists := m.defs[def.Name]; !exists {
		m.order = append(m.order, def.Name)
	}
	m.defs[def.Name] = def
}

// Names lists registered components in registration order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Render invokes one component. Unknown names, disabled components, renderer
// errors, and panics all land in the result.
func (m *Manager) Render(ctx context.Context, name string, input map[string]any) (res RenderResult) {
	res.Name = name
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
			m.logger.Error("component panicked", "component", name, "panic", p)
		}
		res.Duration = time.Since(start)
	}()

	def, ok := m.defs[name]
	if !ok {
		res.Error = fmt.Sprintf("unknown component %q", name)
		return res
	}

	var options map[string]any
	setting, err := m.settings.GetComponentSetting(ctx, name)
	switch {
	case err == nil:
		if !setting.IsActive {
			res.Error = fmt.Sprintf("component %q is disabled", name)
			return res
		}
		options = setting.Options
	case errors.Is(err, storage.ErrNotFound):
		// No settings row: render with defaults.
	default:
		res.Error = fmt.Sprintf("load settings for %q: %v", name, err)
		return res
	}

	payload, err := def.Renderer(ctx, input, options)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Payload = payload
	return res
}

// RenderAll invokes every named component in order, one result each.
func (m *Manager) RenderAll(ctx context.Context, names []string, input map[string]any) []RenderResult {
	results := make([]RenderResult, 0, len(names))
	for _, name := range names {
		results = append(results, m.Render(ctx, name, input))
	}
	return results
}
