package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nextconvert/compositor/internal/modules/exports"
	"go.uber.org/zap"
)

// maxRequestBody bounds an export request body
const maxRequestBody = 1 << 20

// ExportService is the export API the handlers drive
type ExportService interface {
	Create(ctx context.Context, req exports.Request) (*exports.Export, error)
	Preview(ctx context.Context, req exports.Request) (*exports.Preview, error)
	Get(ctx context.Context, id string) (*exports.Export, error)
	Cancel(ctx context.Context, id string) error
	Open(ctx context.Context, id string) (*exports.Export, io.ReadCloser, error)
}

// ExportHandler handles timeline export endpoints
type ExportHandler struct {
	service ExportService
	logger  *zap.Logger
}

// NewExportHandler creates a new export handler
func NewExportHandler(service ExportService, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{
		service: service,
		logger:  logger,
	}
}

// CreateExport validates a timeline and queues it for rendering
func (h *ExportHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	export, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, export)
}

// PreviewExport returns the engine invocation a timeline would run
func (h *ExportHandler) PreviewExport(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	preview, err := h.service.Preview(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, preview)
}

// GetExport returns an export record
func (h *ExportHandler) GetExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, export)
}

// CancelExport cancels a queued or processing export
func (h *ExportHandler) CancelExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	export, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, export)
}

// DownloadExport streams a completed export's output
func (h *ExportHandler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	export, reader, err := h.service.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer reader.Close()

	filename := export.ID + path.Ext(export.OutputPath)
	w.Header().Set("Content-Type", exports.ContentType(export))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if export.OutputSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(export.OutputSize, 10))
	}

	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn("Export download interrupted", zap.String("export_id", export.ID), zap.Error(err))
	}
}

func (h *ExportHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (exports.Request, bool) {
	var req exports.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return req, false
	}
	return req, true
}

// writeError maps export errors onto HTTP statuses
func (h *ExportHandler) writeError(w http.ResponseWriter, err error) {
	var validationErr *exports.ValidationError
	switch {
	case errors.As(err, &validationErr):
		WriteError(w, http.StatusBadRequest, validationErr.Error(), "invalid_request")
		return
	case errors.Is(err, exports.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	case errors.Is(err, exports.ErrNotCancellable):
		WriteError(w, http.StatusConflict, err.Error(), "not_cancellable")
		return
	case errors.Is(err, exports.ErrNoOutput):
		WriteError(w, http.StatusConflict, err.Error(), "no_output")
		return
	}

	classified := exports.Classify(err)
	switch classified.Code {
	case exports.CodeInvalidTimeline:
		WriteError(w, http.StatusUnprocessableEntity, classified.Message, classified.Code)
	case exports.CodeFetchFailed, exports.CodeFetchUnavailable, exports.CodeRenderFailed:
		h.logger.Warn("Export request failed upstream", zap.Error(err))
		WriteError(w, http.StatusBadGateway, classified.Message, classified.Code)
	case exports.CodeTimeout:
		WriteError(w, http.StatusGatewayTimeout, classified.Message, classified.Code)
	default:
		h.logger.Error("Export request failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal server error", exports.CodeInternal)
	}
}
