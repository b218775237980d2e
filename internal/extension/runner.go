package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uderia/uderia/internal/llm"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/storage"
)

// Runner executes extension pipelines.
type Runner struct {
	registry *Registry
	settings SettingsSource
	llm      *llm.Registry // may be nil when no provider is configured
	logger   *slog.Logger
	notifier Notifier // optional
}

// NewRunner builds a runner. notifier may be nil.
func NewRunner(registry *Registry, settings SettingsSource, llmReg *llm.Registry, logger *slog.Logger, notifier Notifier) *Runner {
	return &Runner{
		registry: registry,
		settings: settings,
		llm:      llmReg,
		logger:   logger,
		notifier: notifier,
	}
}

// Run executes the given specs in order and returns one result per spec,
// success or not. An empty spec list runs every active extension in its
// stored pipeline order.
func (r *Runner) Run(ctx context.Context, specs []model.ExtensionSpec, rctx *RunContext) ([]Result, error) {
	if len(specs) == 0 {
		var err error
		specs, err = r.activeSpecs(ctx)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(specs))
	for i, spec := range specs {
		r.notifyStarted(spec.Name, i)
		res := r.runOne(ctx, spec, rctx)
		results = append(results, res)
		rctx.PreviousResults = results
		r.notifyCompleted(res)
	}
	return results, nil
}

// activeSpecs builds the default pipeline from stored settings.
func (r *Runner) activeSpecs(ctx context.Context) ([]model.ExtensionSpec, error) {
	settings, err := r.settings.ListActiveExtensionSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("extension: load active settings: %w", err)
	}
	specs := make([]model.ExtensionSpec, 0, len(settings))
	for _, s := range settings {
		specs = append(specs, model.ExtensionSpec{Name: s.Name})
	}
	return specs, nil
}

// runOne executes a single spec with full isolation: unknown names,
// validation failures, handler errors, and panics all land in the result.
func (r *Runner) runOne(ctx context.Context, spec model.ExtensionSpec, rctx *RunContext) (res Result) {
	res.Name = spec.Name
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
			r.logger.Error("extension panicked", "extension", spec.Name, "panic", p)
		}
		res.Duration = time.Since(start)
	}()

	def, ok := r.registry.Get(spec.Name)
	if !ok {
		res.Error = fmt.Sprintf("unknown extension %q", spec.Name)
		return res
	}

	if err := def.ValidateParam(spec.Param); err != nil {
		res.Error = err.Error()
		return res
	}

	// Per-invocation run context: shared answer and prior results, but
	// settings and LLM injection are this extension's own.
	unit := *rctx
	unit.Options = nil
	unit.LLM = nil

	setting, err := r.settings.GetExtensionSetting(ctx, spec.Name)
	switch {
	case err == nil:
		if !setting.IsActive {
			res.Error = fmt.Sprintf("extension %q is disabled", spec.Name)
			return res
		}
		unit.Options = setting.Options
		if setting.UsesLLM && r.llm != nil {
			client, err := r.llm.Client()
			if err != nil {
				res.Error = fmt.Sprintf("extension %q needs an LLM but none is configured", spec.Name)
				return res
			}
			unit.LLM = client
		}
	case errors.Is(err, storage.ErrNotFound):
		// No settings row: run with defaults, no LLM injection.
	default:
		res.Error = fmt.Sprintf("load settings for %q: %v", spec.Name, err)
		return res
	}

	output, err := def.Handler(ctx, spec.Param, &unit)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Output = output
	return res
}

func (r *Runner) notifyStarted(name string, position int) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("extension notifier panicked", "callback", "started", "panic", p)
		}
	}()
	r.notifier.ExtensionStarted(name, position)
}

func (r *Runner) notifyCompleted(res Result) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("extension notifier panicked", "callback", "completed", "panic", p)
		}
	}()
	r.notifier.ExtensionCompleted(res)
}
