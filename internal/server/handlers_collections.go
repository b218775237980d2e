package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/rag"
	"github.com/uderia/uderia/internal/storage"
)

func validVisibility(v model.CollectionVisibility) bool {
	switch v {
	case model.VisibilityPrivate, model.VisibilityUnlisted, model.VisibilityPublic:
		return true
	}
	return false
}

// HandleCreateCollection handles POST /api/v1/collections.
func (h *Handlers) HandleCreateCollection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateCollectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = model.VisibilityPrivate
	}
	if !validVisibility(visibility) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown visibility: "+string(visibility))
		return
	}
	if req.ProfileID != nil && *req.ProfileID != "" {
		if _, err := h.db.GetProfile(r.Context(), *req.ProfileID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile does not exist: "+*req.ProfileID)
				return
			}
			h.writeInternalError(w, r, "failed to load profile", err)
			return
		}
	}

	coll, err := h.db.CreateCollection(r.Context(), model.Collection{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     claims.UserID(),
		ProfileID:   req.ProfileID,
		Visibility:  visibility,
		IsActive:    true,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create collection", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, coll)
}

// HandleListCollections handles GET /api/v1/collections. Returns only
// collections the caller can read: owned, subscribed, or public.
func (h *Handlers) HandleListCollections(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	list, err := h.db.ListAccessibleCollections(r.Context(), claims.UserID(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list collections", err)
		return
	}
	writeList(w, r, list, len(list), limit, offset)
}

// HandleGetCollection handles GET /api/v1/collections/{collection_id}.
func (h *Handlers) HandleGetCollection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	access := rag.NewAccessContext(h.db, claims.UserID())
	if err := access.ValidateAccess(r.Context(), id, false); err != nil {
		h.writeAccessError(w, r, err)
		return
	}

	coll, err := h.db.GetCollection(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load collection", err)
		return
	}
	writeJSON(w, r, http.StatusOK, coll)
}

// HandleUpdateCollection handles PATCH /api/v1/collections/{collection_id}.
// Only the owner or an admin may change visibility.
func (h *Handlers) HandleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateCollectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !validVisibility(req.Visibility) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown visibility: "+string(req.Visibility))
		return
	}

	coll, err := h.db.GetCollection(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load collection", err)
		return
	}
	if coll.OwnerID != claims.UserID() && claims.Role != model.RoleAdmin {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the owner may change visibility")
		return
	}

	if err := h.db.UpdateCollectionVisibility(r.Context(), id, req.Visibility); err != nil {
		h.writeStorageError(w, r, "failed to update visibility", err)
		return
	}
	coll.Visibility = req.Visibility
	writeJSON(w, r, http.StatusOK, coll)
}

// HandleDeactivateCollection handles DELETE /api/v1/collections/{collection_id}.
// Deactivates the row and enqueues removal of the collection's vectors.
func (h *Handlers) HandleDeactivateCollection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	coll, err := h.db.GetCollection(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load collection", err)
		return
	}
	if coll.OwnerID != claims.UserID() && claims.Role != model.RoleAdmin {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the owner may delete a collection")
		return
	}

	if err := h.db.DeactivateCollection(r.Context(), id); err != nil {
		h.writeStorageError(w, r, "failed to deactivate collection", err)
		return
	}
	if _, err := h.db.EnqueueOutbox(r.Context(), storage.OutboxEntry{
		CaseID:       uuid.Nil,
		CollectionID: id,
		Operation:    storage.OutboxOpDeleteCollection,
	}); err != nil {
		h.logger.Error("failed to enqueue collection purge", "collection_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubscribe handles POST /api/v1/collections/{collection_id}/subscribe.
// Private collections cannot be subscribed to; unlisted ones can by anyone
// holding the ID.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	coll, err := h.db.GetCollection(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load collection", err)
		return
	}
	if coll.OwnerID == claims.UserID() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "owners are not subscribers")
		return
	}
	if coll.Visibility == model.VisibilityPrivate {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "collection is private")
		return
	}

	sub, err := h.db.Subscribe(r.Context(), id, claims.UserID())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "already subscribed")
			return
		}
		h.writeInternalError(w, r, "failed to subscribe", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sub)
}

// HandleUnsubscribe handles DELETE /api/v1/collections/{collection_id}/subscribe.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.Unsubscribe(r.Context(), id, claims.UserID()); err != nil {
		h.writeStorageError(w, r, "failed to unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListSubscribers handles GET /api/v1/collections/{collection_id}/subscribers.
func (h *Handlers) HandleListSubscribers(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	coll, err := h.db.GetCollection(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load collection", err)
		return
	}
	if coll.OwnerID != claims.UserID() && claims.Role != model.RoleAdmin {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the owner may list subscribers")
		return
	}

	subs, err := h.db.ListSubscribers(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list subscribers", err)
		return
	}
	writeList(w, r, subs, len(subs), len(subs), 0)
}

// HandleStoreCase handles POST /api/v1/collections/{collection_id}/cases.
// Writes require ownership. The case is committed to the outbox and indexed
// into the vector store asynchronously.
func (h *Handlers) HandleStoreCase(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.StoreCaseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Question == "" || req.Answer == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "question and answer are required")
		return
	}

	access := rag.NewAccessContext(h.db, claims.UserID())
	if err := access.ValidateAccess(r.Context(), id, true); err != nil {
		h.writeAccessError(w, r, err)
		return
	}

	c := model.RAGCase{
		ID:           uuid.New(),
		CollectionID: id,
		UserID:       claims.UserID(),
		Question:     req.Question,
		Answer:       req.Answer,
		Tool:         req.Tool,
		Quality:      req.Quality,
		Metadata:     req.Metadata,
	}
	if _, err := h.db.EnqueueOutbox(r.Context(), storage.OutboxEntry{
		CaseID:       c.ID,
		CollectionID: id,
		Operation:    storage.OutboxOpIndex,
		Payload:      rag.OutboxPayload(c),
	}); err != nil {
		h.writeInternalError(w, r, "failed to enqueue case", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, c)
}

// HandleDeleteCase handles DELETE /api/v1/collections/{collection_id}/cases/{case_id}.
func (h *Handlers) HandleDeleteCase(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	caseID, err := parseUUIDPath(r, "case_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	access := rag.NewAccessContext(h.db, claims.UserID())
	if err := access.ValidateAccess(r.Context(), id, true); err != nil {
		h.writeAccessError(w, r, err)
		return
	}

	if _, err := h.db.EnqueueOutbox(r.Context(), storage.OutboxEntry{
		CaseID:       caseID,
		CollectionID: id,
		Operation:    storage.OutboxOpDelete,
	}); err != nil {
		h.writeInternalError(w, r, "failed to enqueue case delete", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleQueryCases handles POST /api/v1/collections/{collection_id}/query.
// Embeds the query text and runs a similarity search scoped by the caller's
// access filter.
func (h *Handlers) HandleQueryCases(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := parseInt64Path(r, "collection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if h.embedder == nil || h.vectors == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "vector search is not configured on this server")
		return
	}

	var req model.QueryCasesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	limit := req.Limit
	if limit < 1 {
		limit = 5
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var extra []*qdrant.Condition
	if req.Tool != nil && *req.Tool != "" {
		extra = append(extra, qdrant.NewMatch("tool", *req.Tool))
	}
	if req.QualityMin != nil {
		extra = append(extra, qdrant.NewRange("quality", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(*req.QualityMin)),
		}))
	}

	access := rag.NewAccessContext(h.db, claims.UserID())
	filter, err := access.BuildQueryFilter(r.Context(), id, extra...)
	if err != nil {
		h.writeAccessError(w, r, err)
		return
	}

	embedding, err := h.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		h.writeInternalError(w, r, "failed to embed query", err)
		return
	}

	results, err := h.vectors.Query(r.Context(), embedding, filter, limit)
	if err != nil {
		h.writeInternalError(w, r, "vector search failed", err)
		return
	}
	writeList(w, r, results, len(results), limit, 0)
}

// writeAccessError maps rag access errors to HTTP statuses.
func (h *Handlers) writeAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rag.ErrForbidden):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "access denied")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "collection not found")
	default:
		h.writeInternalError(w, r, "access check failed", err)
	}
}
