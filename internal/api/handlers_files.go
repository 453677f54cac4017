package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/task"
)

// FileInfoResponse describes one finalized FCS file.
type FileInfoResponse struct {
	FileID          string    `json:"file_id"`
	Filename        string    `json:"filename"`
	Size            int64     `json:"size"`
	TotalEvents     int       `json:"total_events"`
	TotalParameters int       `json:"total_parameters"`
	Public          bool      `json:"public"`
	UploadMillis    int64     `json:"upload_duration_ms"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// handleFile serves file metadata, or the file bytes with ?download=1.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := strings.TrimPrefix(r.URL.Path, "/api/v1/fcs/files/")
	if fileID == "" || strings.Contains(fileID, "/") {
		s.jsonError(w, "file id is required", http.StatusBadRequest)
		return
	}

	file, err := s.store.GetFile(r.Context(), fileID)
	if errors.Is(err, task.ErrFileNotFound) {
		s.jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("file", fileID).Msg("File lookup failed")
		s.jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !caller.CanAccess(file.Owner, file.Public) {
		// Hide existence from non-owners.
		s.jsonError(w, "file not found", http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+file.Filename+`"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, file.Path)
		return
	}

	s.writeJSON(w, http.StatusOK, FileInfoResponse{
		FileID:          file.FileID,
		Filename:        file.Filename,
		Size:            file.Size,
		TotalEvents:     file.TotalEvents,
		TotalParameters: file.TotalParameters,
		Public:          file.Public,
		UploadMillis:    file.UploadMillis,
		UploadedAt:      file.UploadedAt,
	})
}
