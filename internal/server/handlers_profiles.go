package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/storage"
)

// HandleCreateProfile handles POST /api/v1/profiles.
func (h *Handlers) HandleCreateProfile(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateProfileRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateProfileID(req.ID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = model.ProfileKindAgent
	}
	if kind != model.ProfileKindAgent && kind != model.ProfileKindGenie {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown kind: "+string(kind))
		return
	}

	if req.ParentID != nil && *req.ParentID != "" {
		parent, err := h.db.GetProfile(r.Context(), *req.ParentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent profile does not exist: "+*req.ParentID)
				return
			}
			h.writeInternalError(w, r, "failed to load parent profile", err)
			return
		}
		if parent.Kind != model.ProfileKindGenie {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent profile is not a genie: "+parent.ID)
			return
		}
	}

	profile, err := h.db.CreateProfile(r.Context(), model.Profile{
		ID:       req.ID,
		OwnerID:  claims.UserID(),
		Name:     req.Name,
		Kind:     kind,
		Provider: req.Provider,
		Model:    req.Model,
		ParentID: req.ParentID,
		IsActive: true,
		Settings: req.Settings,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "profile already exists: "+req.ID)
			return
		}
		h.writeInternalError(w, r, "failed to create profile", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, profile)
}

// HandleListProfiles handles GET /api/v1/profiles.
func (h *Handlers) HandleListProfiles(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	list, err := h.db.ListProfiles(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list profiles", err)
		return
	}
	writeList(w, r, list, len(list), limit, offset)
}

// HandleGetProfile handles GET /api/v1/profiles/{profile_id}.
func (h *Handlers) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.db.GetProfile(r.Context(), r.PathValue("profile_id"))
	if err != nil {
		h.writeStorageError(w, r, "failed to load profile", err)
		return
	}
	writeJSON(w, r, http.StatusOK, profile)
}

// HandleUpdateProfile handles PATCH /api/v1/profiles/{profile_id}.
func (h *Handlers) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("profile_id")

	var req model.UpdateProfileRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.ParentID != nil && *req.ParentID != "" {
		if *req.ParentID == id {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile cannot be its own parent")
			return
		}
		parent, err := h.db.GetProfile(r.Context(), *req.ParentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent profile does not exist: "+*req.ParentID)
				return
			}
			h.writeInternalError(w, r, "failed to load parent profile", err)
			return
		}
		if parent.Kind != model.ProfileKindGenie {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent profile is not a genie: "+parent.ID)
			return
		}
	}

	profile, err := h.db.UpdateProfile(r.Context(), id, req)
	if err != nil {
		h.writeStorageError(w, r, "failed to update profile", err)
		return
	}
	writeJSON(w, r, http.StatusOK, profile)
}

// HandleDeactivateProfile handles DELETE /api/v1/profiles/{profile_id}.
// Refuses while other resources still reference the profile so callers see
// what would break instead of a silent cascade.
func (h *Handlers) HandleDeactivateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("profile_id")

	rel, err := h.db.GetProfileRelationships(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load profile relationships", err)
		return
	}
	if !rel.SafeToDelete() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, relationshipSummary(rel))
		return
	}

	if err := h.db.DeactivateProfile(r.Context(), id); err != nil {
		h.writeStorageError(w, r, "failed to deactivate profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func relationshipSummary(rel model.ProfileRelationships) string {
	var parts []string
	if n := len(rel.ChildProfiles); n > 0 {
		parts = append(parts, fmt.Sprintf("%d child profiles", n))
	}
	if rel.PromptMappings > 0 {
		parts = append(parts, fmt.Sprintf("%d prompt mappings", rel.PromptMappings))
	}
	if n := len(rel.Collections); n > 0 {
		parts = append(parts, fmt.Sprintf("%d collections", n))
	}
	if rel.PackImports > 0 {
		parts = append(parts, fmt.Sprintf("%d pack imports", rel.PackImports))
	}
	return "profile is still referenced by " + strings.Join(parts, ", ")
}

// HandleProfileRelationships handles GET /api/v1/profiles/{profile_id}/relationships.
func (h *Handlers) HandleProfileRelationships(w http.ResponseWriter, r *http.Request) {
	rel, err := h.db.GetProfileRelationships(r.Context(), r.PathValue("profile_id"))
	if err != nil {
		h.writeStorageError(w, r, "failed to load profile relationships", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// HandleResolvePrompt handles GET /api/v1/profiles/{profile_id}/prompts/{category}.
// Walks the mapping fallback chain, then loads the prompt body honoring
// per-user and per-profile overrides and the caller's license tier.
func (h *Handlers) HandleResolvePrompt(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	profileID := r.PathValue("profile_id")
	category := r.PathValue("category")
	subcategory := r.URL.Query().Get("subcategory")

	if err := model.ValidateCategory(category, subcategory); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.db.GetProfile(r.Context(), profileID); err != nil {
		h.writeStorageError(w, r, "failed to load profile", err)
		return
	}

	name, ok := h.resolver.PromptNameForCategory(r.Context(), profileID, category, subcategory)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
			fmt.Sprintf("no prompt mapped for category %q", category))
		return
	}

	content, err := h.loader.LoadForUser(r.Context(), name, claims.UserID(), profileID, claims.Tier)
	if err != nil {
		switch {
		case errors.Is(err, prompts.ErrTierDenied):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "license tier cannot access this prompt")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "mapped prompt does not exist: "+name)
		default:
			h.writeInternalError(w, r, "failed to load prompt", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, model.ResolvePromptResponse{
		ProfileID:   profileID,
		Category:    category,
		Subcategory: subcategory,
		PromptName:  name,
		Content:     promptContent(content),
	})
}

// promptContent returns JSON prompt bodies decoded so clients get structured
// tool definitions rather than a doubly-encoded string.
func promptContent(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return raw
}
