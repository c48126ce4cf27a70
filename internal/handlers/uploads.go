package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxUploadBytes = 10 << 20

// UploadHandler stores one multipart "file" field under the upload dir.
func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	if h.cfg.UploadDir == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Uploads disabled"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing or oversized file"})
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.cfg.UploadDir, 0o750); err != nil {
		h.log.Error("failed to create upload dir", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Upload failed"})
		return
	}

	id := uuid.NewString()
	name := id + strings.ToLower(filepath.Ext(header.Filename))
	dst, err := os.OpenFile(filepath.Join(h.cfg.UploadDir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		h.log.Error("failed to create upload file", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Upload failed"})
		return
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		os.Remove(dst.Name())
		h.log.Error("failed to write upload", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Upload failed"})
		return
	}

	h.log.Info("file uploaded", zap.Int("user_id", user.ID), zap.String("name", name), zap.Int64("size", size))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": name, "size": size})
}
