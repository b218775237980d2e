// Package extension runs the post-answer extension pipeline: named units
// that enrich or transform an answer after the main conversation turn, such
// as chart generation or summarization.
//
// Extensions run strictly serially so each sees the results of everything
// before it. A failing or panicking extension produces a failed result and
// the chain keeps going; one broken plugin never takes the pipeline down.
package extension

import (
	"context"
	"fmt"
	"time"

	"github.com/uderia/uderia/internal/llm"
	"github.com/uderia/uderia/internal/model"
)

// RunContext carries the shared inputs every extension sees.
type RunContext struct {
	Answer    string         // the answer being post-processed
	ProfileID string         // profile that produced the answer, if any
	Options   map[string]any // stored options from the extension's settings row

	// PreviousResults holds the results of every extension that already ran
	// in this pipeline invocation, in order.
	PreviousResults []Result

	// LLM is injected for extensions whose settings mark them LLM-backed;
	// nil otherwise.
	LLM llm.Client
}

// Result is the outcome of one extension invocation.
type Result struct {
	Name     string         `json:"name"`
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Handler executes one extension. Param carries the per-invocation
// parameters from the request; rctx the shared pipeline state.
type Handler func(ctx context.Context, param map[string]any, rctx *RunContext) (map[string]any, error)

// Definition describes a registered extension.
type Definition struct {
	Name        string
	Description string
	// RequiredParams are param keys that must be present and non-empty.
	RequiredParams []string
	Handler        Handler
}

// Registry maps extension names to their definitions. Registration happens
// at startup; the registry is read-only afterwards.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Re-registering a name replaces it.
func (r *Registry) Register(def Definition) {
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Get looks up a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names lists registered extensions in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ValidateParam checks a spec's parameters against the definition.
func (def Definition) ValidateParam(param map[string]any) error {
	for _, key := range def.RequiredParams {
		v, ok := param[key]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("extension %s: missing required param %q", def.Name, key)
		}
	}
	return nil
}

// Notifier receives best-effort pipeline progress callbacks. Implementations
// must not block; errors and panics inside a notifier are swallowed.
type Notifier interface {
	ExtensionStarted(name string, position int)
	ExtensionCompleted(result Result)
}

// SettingsSource resolves stored settings per extension.
type SettingsSource interface {
	GetExtensionSetting(ctx context.Context, name string) (model.ExtensionSetting, error)
	ListActiveExtensionSettings(ctx context.Context) ([]model.ExtensionSetting, error)
}
