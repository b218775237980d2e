package server

import (
	"errors"
	"net/http"

	"github.com/uderia/uderia/internal/license"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/promptcrypt"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/storage"
)

// HandleSavePrompt handles PUT /api/v1/prompts/{name}. Saving bumps the
// version and appends to history. With encrypt=true the body is stored as a
// promptcrypt token; only tiers with prompt access may write one.
func (h *Handlers) HandleSavePrompt(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	name := r.PathValue("name")

	if err := model.ValidatePromptName(name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SavePromptRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}
	if err := model.ValidatePromptContent(req.Content); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	content := req.Content
	if req.Encrypt {
		if !license.CanAccessPrompts(claims.Tier) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "license tier cannot save encrypted prompts")
			return
		}
		if len(h.promptKey) == 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "prompt encryption is not configured on this server")
			return
		}
		token, err := promptcrypt.Encrypt(req.Content, h.promptKey)
		if err != nil {
			h.writeInternalError(w, r, "failed to encrypt prompt", err)
			return
		}
		content = token
	}

	prompt, err := h.db.SavePrompt(r.Context(), name, content, req.Encrypt, claims.UserID())
	if err != nil {
		h.writeInternalError(w, r, "failed to save prompt", err)
		return
	}
	writeJSON(w, r, http.StatusOK, prompt)
}

// HandleGetPrompt handles GET /api/v1/prompts/{name}. Encrypted prompts are
// returned decrypted when the caller's tier allows it, otherwise 403.
func (h *Handlers) HandleGetPrompt(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	name := r.PathValue("name")

	prompt, err := h.db.GetPrompt(r.Context(), name)
	if err != nil {
		h.writeStorageError(w, r, "failed to load prompt", err)
		return
	}

	if prompt.Encrypted {
		content, err := h.loader.Load(r.Context(), name, claims.Tier)
		if err != nil {
			if errors.Is(err, prompts.ErrTierDenied) {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "license tier cannot access this prompt")
				return
			}
			h.writeInternalError(w, r, "failed to decrypt prompt", err)
			return
		}
		prompt.Content = content
	}

	writeJSON(w, r, http.StatusOK, prompt)
}

// HandleListPrompts handles GET /api/v1/prompts. Encrypted bodies stay as
// stored tokens; callers fetch individual prompts to decrypt.
func (h *Handlers) HandleListPrompts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	list, err := h.db.ListPrompts(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list prompts", err)
		return
	}
	writeList(w, r, list, len(list), limit, offset)
}

// HandleListPromptVersions handles GET /api/v1/prompts/{name}/versions.
func (h *Handlers) HandleListPromptVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := queryLimit(r, 20)
	offset := queryOffset(r)

	if _, err := h.db.GetPrompt(r.Context(), name); err != nil {
		h.writeStorageError(w, r, "failed to load prompt", err)
		return
	}

	versions, err := h.db.ListPromptVersions(r.Context(), name, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list prompt versions", err)
		return
	}
	writeList(w, r, versions, len(versions), limit, offset)
}

// HandleDeactivatePrompt handles DELETE /api/v1/prompts/{name}. Version
// history survives deactivation.
func (h *Handlers) HandleDeactivatePrompt(w http.ResponseWriter, r *http.Request) {
	if err := h.db.DeactivatePrompt(r.Context(), r.PathValue("name")); err != nil {
		h.writeStorageError(w, r, "failed to deactivate prompt", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetMapping handles PUT /api/v1/prompt-mappings.
func (h *Handlers) HandleSetMapping(w http.ResponseWriter, r *http.Request) {
	var req model.SetMappingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateCategory(req.Category, req.Subcategory); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidatePromptName(req.PromptName); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// The system-default sentinel has no profile row; everything else must.
	if req.ProfileID != model.SystemDefaultProfileID {
		if _, err := h.db.GetProfile(r.Context(), req.ProfileID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile does not exist: "+req.ProfileID)
				return
			}
			h.writeInternalError(w, r, "failed to load profile", err)
			return
		}
	}
	if _, err := h.db.GetPrompt(r.Context(), req.PromptName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "prompt does not exist: "+req.PromptName)
			return
		}
		h.writeInternalError(w, r, "failed to load prompt", err)
		return
	}

	mapping, err := h.db.SetMapping(r.Context(), model.PromptMapping{
		ProfileID:   req.ProfileID,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		PromptName:  req.PromptName,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to set prompt mapping", err)
		return
	}
	writeJSON(w, r, http.StatusOK, mapping)
}

// HandleListMappings handles GET /api/v1/prompt-mappings?profile_id=...
func (h *Handlers) HandleListMappings(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile_id query parameter is required")
		return
	}
	mappings, err := h.db.ListMappings(r.Context(), profileID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list prompt mappings", err)
		return
	}
	writeList(w, r, mappings, len(mappings), len(mappings), 0)
}

// HandleDeleteMapping handles DELETE /api/v1/prompt-mappings?profile_id=...&category=...
func (h *Handlers) HandleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	profileID := q.Get("profile_id")
	category := q.Get("category")
	if profileID == "" || category == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile_id and category query parameters are required")
		return
	}
	if err := h.db.DeleteMapping(r.Context(), profileID, category, q.Get("subcategory")); err != nil {
		h.writeStorageError(w, r, "failed to delete prompt mapping", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetPromptOverride handles PUT /api/v1/prompt-overrides.
func (h *Handlers) HandleSetPromptOverride(w http.ResponseWriter, r *http.Request) {
	var req model.SetPromptOverrideRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidatePromptName(req.PromptName); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidatePromptContent(req.Content); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	hasUser := req.UserID != nil
	hasProfile := req.ProfileID != nil && *req.ProfileID != ""
	if hasUser == hasProfile {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "exactly one of user_id or profile_id must be set")
		return
	}

	// Overrides take top priority at resolution time, so the scope must
	// belong to the caller: your own user, or a profile you own.
	claims := ClaimsFromContext(r.Context())
	if claims.Role != model.RoleAdmin {
		if hasUser && *req.UserID != claims.UserID() {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "overrides may only target your own user")
			return
		}
		if hasProfile {
			profile, err := h.db.GetProfile(r.Context(), *req.ProfileID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile does not exist: "+*req.ProfileID)
					return
				}
				h.writeInternalError(w, r, "failed to load profile", err)
				return
			}
			if profile.OwnerID != claims.UserID() {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the profile owner may set a profile override")
				return
			}
		}
	}

	if _, err := h.db.GetPrompt(r.Context(), req.PromptName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "prompt does not exist: "+req.PromptName)
			return
		}
		h.writeInternalError(w, r, "failed to load prompt", err)
		return
	}

	override, err := h.db.SetPromptOverride(r.Context(), model.PromptOverride{
		PromptName: req.PromptName,
		UserID:     req.UserID,
		ProfileID:  req.ProfileID,
		Content:    req.Content,
		IsActive:   true,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to set prompt override", err)
		return
	}
	writeJSON(w, r, http.StatusOK, override)
}

// HandleClearPromptOverride handles DELETE /api/v1/prompt-overrides/{override_id}.
func (h *Handlers) HandleClearPromptOverride(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Path(r, "override_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	claims := ClaimsFromContext(r.Context())
	if claims.Role != model.RoleAdmin {
		override, err := h.db.GetPromptOverride(r.Context(), id)
		if err != nil {
			h.writeStorageError(w, r, "failed to load prompt override", err)
			return
		}
		switch {
		case override.UserID != nil:
			if *override.UserID != claims.UserID() {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "overrides may only target your own user")
				return
			}
		case override.ProfileID != nil:
			profile, err := h.db.GetProfile(r.Context(), *override.ProfileID)
			if err != nil {
				h.writeStorageError(w, r, "failed to load profile", err)
				return
			}
			if profile.OwnerID != claims.UserID() {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the profile owner may clear a profile override")
				return
			}
		}
	}

	if err := h.db.ClearPromptOverride(r.Context(), id); err != nil {
		h.writeStorageError(w, r, "failed to clear prompt override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
