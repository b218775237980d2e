package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/pack"
	"github.com/uderia/uderia/internal/storage"
)

var packFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// HandleExportPack handles POST /api/v1/packs/export. Responds with the pack
// ZIP; the archive is buffered so failures surface as JSON errors instead of
// a truncated download.
func (h *Handlers) HandleExportPack(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "pack export is not configured on this server")
		return
	}

	var req model.ExportPackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if len(req.ProfileIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "profile_ids must not be empty")
		return
	}

	var buf bytes.Buffer
	err := h.exporter.Export(r.Context(), &buf, pack.ExportRequest{
		Name:        req.Name,
		Description: req.Description,
		ProfileIDs:  req.ProfileIDs,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "profile not found")
			return
		}
		h.writeInternalError(w, r, "failed to export pack", err)
		return
	}

	filename := packFilenameRe.ReplaceAllString(strings.ToLower(req.Name), "-")
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".zip"))
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("pack download interrupted", "error", err)
	}
}

// HandleImportPack handles POST /api/v1/packs/import. The request body is the
// raw pack ZIP; ?conflict_strategy= selects skip (default), overwrite, or
// rename.
func (h *Handlers) HandleImportPack(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "pack import is not configured on this server")
		return
	}
	claims := ClaimsFromContext(r.Context())

	strategy := pack.ConflictStrategy(r.URL.Query().Get("conflict_strategy"))
	if err := strategy.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPackBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				fmt.Sprintf("pack exceeds %d bytes", h.maxPackBytes))
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request body is required")
		return
	}

	resp, err := h.importer.Import(r.Context(), bytes.NewReader(body), int64(len(body)), pack.ImportOptions{
		ImportedBy: claims.UserID(),
		Strategy:   strategy,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}
