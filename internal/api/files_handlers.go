package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"files-manager/internal/access"
	"files-manager/internal/blob"
	"files-manager/internal/models"
	"files-manager/internal/storage"
	"files-manager/internal/thumbnail"
)

type createFileRequest struct {
	Name     string          `json:"name" validate:"required"`
	Type     string          `json:"type" validate:"required,oneof=folder file image"`
	ParentID models.ParentID `json:"parentId"`
	IsPublic bool            `json:"isPublic"`
	Data     string          `json:"data" validate:"required_unless=Type folder"`
}

// writeFileError maps repository validation failures to 400 responses and
// everything else to a logged 500.
func writeFileError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrMissingName):
		writeMessage(w, http.StatusBadRequest, msgMissingName)
	case errors.Is(err, storage.ErrMissingType):
		writeMessage(w, http.StatusBadRequest, msgMissingType)
	case errors.Is(err, storage.ErrMissingData):
		writeMessage(w, http.StatusBadRequest, msgMissingData)
	case errors.Is(err, storage.ErrParentNotFound):
		writeMessage(w, http.StatusBadRequest, msgParentNotFound)
	case errors.Is(err, storage.ErrParentNotFolder):
		writeMessage(w, http.StatusBadRequest, msgParentNotFolder)
	default:
		writeInternalError(w, logger, msg, err)
	}
}

// CreateFile handles POST /files. Input and parent are validated before any
// byte is written; the blob is persisted first, the metadata last, and the
// thumbnail job is enqueued only once the metadata exists.
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	logger := h.requestLogger(r)

	var req createFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	params := storage.CreateFileParams{
		OwnerID:  user.ID,
		Name:     req.Name,
		Kind:     models.Kind(req.Type),
		ParentID: req.ParentID.String(),
		IsPublic: req.IsPublic,
	}
	if err := h.Files.Validate(params, req.Data != ""); err != nil {
		writeFileError(w, logger, "validate file failed", err)
		return
	}
	var content []byte
	if params.Kind.HasContent() {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Data))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, msgInvalidData)
			return
		}
		content = decoded
	}
	if err := h.Files.CheckParent(r.Context(), user.ID, params.ParentID); err != nil {
		writeFileError(w, logger, "check parent failed", err)
		return
	}

	if params.Kind.HasContent() {
		path, err := h.Blobs.Write(r.Context(), content)
		h.metrics.ObserveBlobOperation("write", err)
		if err != nil {
			writeInternalError(w, logger, "write blob failed", err)
			return
		}
		params.LocalPath = path
	}

	node, err := h.Files.Create(r.Context(), params)
	if err != nil {
		if params.LocalPath != "" {
			h.discardBlob(logger, params.LocalPath)
		}
		writeFileError(w, logger, "create file failed", err)
		return
	}
	h.metrics.ObserveUpload(string(node.Kind))

	if node.Kind == models.KindImage {
		jobID, err := h.Queue.Enqueue(r.Context(), thumbnail.Job{FileID: node.ID, UserID: user.ID})
		if err != nil {
			logger.Error("enqueue thumbnail job failed", "file_id", node.ID, "error", err)
		} else {
			logger.Debug("thumbnail job enqueued", "file_id", node.ID, "job_id", jobID)
		}
	}
	writeJSON(w, http.StatusCreated, node)
}

func (h *Handler) discardBlob(logger *slog.Logger, path string) {
	err := h.Blobs.Delete(context.Background(), path)
	h.metrics.ObserveBlobOperation("delete", err)
	if err != nil {
		logger.Warn("orphaned blob left behind", "path", path, "error", err)
	}
}

// ListFiles handles GET /files?parentId=&page=.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	parentID := models.ParentID(query.Get("parentId")).String()
	page, err := strconv.Atoi(strings.TrimSpace(query.Get("page")))
	if err != nil || page < 0 {
		page = 0
	}
	nodes, err := h.Files.List(r.Context(), user.ID, parentID, page)
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "list files failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// GetFile handles GET /files/{id}.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	node, found, err := h.Files.Get(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "get file failed", err)
		return
	}
	if !found {
		writeMessage(w, http.StatusNotFound, msgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// Publish handles PUT /files/{id}/publish.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	h.setVisibility(w, r, true)
}

// Unpublish handles PUT /files/{id}/unpublish.
func (h *Handler) Unpublish(w http.ResponseWriter, r *http.Request) {
	h.setVisibility(w, r, false)
}

func (h *Handler) setVisibility(w http.ResponseWriter, r *http.Request, isPublic bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	node, found, err := h.Files.SetVisibility(r.Context(), mux.Vars(r)["id"], user.ID, isPublic)
	if err != nil {
		writeInternalError(w, h.requestLogger(r), "update visibility failed", err)
		return
	}
	if !found {
		writeMessage(w, http.StatusNotFound, msgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// variantWidth parses the size query parameter. Only generated widths are
// honoured.
func variantWidth(raw string) (int, bool) {
	width, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	for _, w := range thumbnail.Widths {
		if w == width {
			return width, true
		}
	}
	return 0, false
}

// FileData handles GET /files/{id}/data?size=. Authentication is optional:
// public files are served to anyone, private ones only to their owner, and
// every denial is reported as not found.
func (h *Handler) FileData(w http.ResponseWriter, r *http.Request) {
	requesterID := ""
	if user, ok := UserFromContext(r.Context()); ok {
		requesterID = user.ID
	}
	logger := h.requestLogger(r)

	decision, err := h.Access.Resolve(r.Context(), mux.Vars(r)["id"], requesterID)
	if err != nil {
		writeInternalError(w, logger, "resolve file failed", err)
		return
	}
	if !decision.Readable() {
		logger.Debug("file content not readable", "outcome", decision.Outcome.String())
		writeMessage(w, http.StatusNotFound, msgNotFound)
		return
	}
	node := decision.Node
	if errors.Is(access.AssertReadableContent(node), access.ErrNotAFile) {
		writeMessage(w, http.StatusBadRequest, msgFolderNoContent)
		return
	}

	path := node.LocalPath
	if size := r.URL.Query().Get("size"); size != "" {
		if width, ok := variantWidth(size); ok {
			path = blob.VariantPath(path, width)
		}
	}
	data, err := h.Blobs.Read(r.Context(), path)
	h.metrics.ObserveBlobOperation("read", err)
	if errors.Is(err, blob.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		writeInternalError(w, logger, "read blob failed", err)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType(node.Name, data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
