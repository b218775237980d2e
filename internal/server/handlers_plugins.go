package server

import (
	"errors"
	"net/http"
	"slices"

	"github.com/uderia/uderia/internal/extension"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/planner"
	"github.com/uderia/uderia/internal/storage"
)

// HandleListExtensions handles GET /api/v1/extensions. Registered extensions
// without a settings row appear inactive with default options.
func (h *Handlers) HandleListExtensions(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.ListExtensionSettings(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list extension settings", err)
		return
	}

	configured := make(map[string]bool, len(settings))
	for _, s := range settings {
		configured[s.Name] = true
	}
	for _, name := range h.extRegistry.Names() {
		if !configured[name] {
			settings = append(settings, model.ExtensionSetting{Name: name})
		}
	}
	writeList(w, r, settings, len(settings), len(settings), 0)
}

// HandleUpdateExtension handles PATCH /api/v1/extensions/{name}.
func (h *Handlers) HandleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	name := r.PathValue("name")

	if _, ok := h.extRegistry.Get(name); !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown extension: "+name)
		return
	}

	var req model.UpdateSettingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	setting, err := h.db.GetExtensionSetting(r.Context(), name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to load extension setting", err)
			return
		}
		setting = model.ExtensionSetting{Name: name}
	}

	if req.IsActive != nil {
		setting.IsActive = *req.IsActive
	}
	if req.Position != nil {
		setting.Position = *req.Position
	}
	if req.Options != nil {
		setting.Options = req.Options
	}
	setting.UpdatedBy = claims.UserID()

	saved, err := h.db.UpsertExtensionSetting(r.Context(), setting)
	if err != nil {
		h.writeInternalError(w, r, "failed to save extension setting", err)
		return
	}
	writeJSON(w, r, http.StatusOK, saved)
}

// HandleRunExtensions handles POST /api/v1/extensions/run. Executes the
// requested pipeline (or every active extension when none is named) against
// the supplied answer.
func (h *Handlers) HandleRunExtensions(w http.ResponseWriter, r *http.Request) {
	var req model.RunExtensionsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Answer == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "answer is required")
		return
	}

	for _, spec := range req.Extensions {
		if spec.Name == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "extension name must not be empty")
			return
		}
	}

	results, err := h.runner.Run(r.Context(), req.Extensions, &extension.RunContext{
		Answer:    req.Answer,
		ProfileID: req.ProfileID,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to run extension pipeline", err)
		return
	}
	writeJSON(w, r, http.StatusOK, results)
}

// HandleListComponents handles GET /api/v1/components.
func (h *Handlers) HandleListComponents(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.ListComponentSettings(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list component settings", err)
		return
	}

	configured := make(map[string]bool, len(settings))
	for _, s := range settings {
		configured[s.Name] = true
	}
	for _, name := range h.components.Names() {
		if !configured[name] {
			settings = append(settings, model.ComponentSetting{Name: name})
		}
	}
	writeList(w, r, settings, len(settings), len(settings), 0)
}

// HandleUpdateComponent handles PATCH /api/v1/components/{name}.
func (h *Handlers) HandleUpdateComponent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	name := r.PathValue("name")

	if !slices.Contains(h.components.Names(), name) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown component: "+name)
		return
	}

	var req model.UpdateSettingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	setting, err := h.db.GetComponentSetting(r.Context(), name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to load component setting", err)
			return
		}
		setting = model.ComponentSetting{Name: name}
	}

	if req.IsActive != nil {
		setting.IsActive = *req.IsActive
	}
	if req.Options != nil {
		setting.Options = req.Options
	}
	setting.UpdatedBy = claims.UserID()

	saved, err := h.db.UpsertComponentSetting(r.Context(), setting)
	if err != nil {
		h.writeInternalError(w, r, "failed to save component setting", err)
		return
	}
	writeJSON(w, r, http.StatusOK, saved)
}

// HandleRenderComponent handles POST /api/v1/components/{name}/render.
// Render failures come back as an unsuccessful result, not an HTTP error.
func (h *Handlers) HandleRenderComponent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req model.RenderComponentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result := h.components.Render(r.Context(), name, req.Input)
	writeJSON(w, r, http.StatusOK, result)
}

// HandleRewritePlan handles POST /api/v1/planner/rewrite.
func (h *Handlers) HandleRewritePlan(w http.ResponseWriter, r *http.Request) {
	var req model.RewritePlanRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Phases) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "phases are required")
		return
	}

	writeJSON(w, r, http.StatusOK, model.RewritePlanResponse{
		Phases: planner.RewriteForDateRangeLoops(req.Phases),
	})
}
