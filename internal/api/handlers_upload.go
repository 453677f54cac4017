package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/task"
	"github.com/fcsvault/fcsd/internal/upload"
)

// UploadInitRequest is the body of POST /api/v1/fcs/upload.
type UploadInitRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
	Public    bool   `json:"public,omitempty"`
}

// UploadInitResponse confirms a created upload session.
type UploadInitResponse struct {
	TaskID      string    `json:"task_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req UploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.Init(r.Context(), caller, upload.InitRequest{
		Filename:  req.Filename,
		TotalSize: req.TotalSize,
		ChunkSize: req.ChunkSize,
		Public:    req.Public,
	})
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, UploadInitResponse{
		TaskID:      result.TaskID,
		ChunkSize:   result.ChunkSize,
		TotalChunks: result.TotalChunks,
		ExpiresAt:   result.ExpiresAt,
	})
}

// ChunkResponse reports progress after an accepted chunk.
type ChunkResponse struct {
	ReceivedChunks int     `json:"received_chunks"`
	TotalChunks    int     `json:"total_chunks"`
	Progress       float64 `json:"progress"`
	Completed      bool    `json:"completed"`
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// One chunk plus form overhead.
	if err := r.ParseMultipartForm(s.cfg.Upload.MaxChunkSize.Bytes() + 1<<20); err != nil {
		s.jsonError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	taskID := r.FormValue("task_id")
	if taskID == "" {
		s.jsonError(w, "task_id is required", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(r.FormValue("chunk_number"))
	if err != nil {
		s.jsonError(w, "chunk_number must be an integer", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		s.jsonError(w, "chunk file field is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		s.jsonError(w, "failed to read chunk", http.StatusBadRequest)
		return
	}

	result, err := s.coordinator.AcceptChunk(r.Context(), caller, taskID, index, data)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, ChunkResponse{
		ReceivedChunks: result.ReceivedChunks,
		TotalChunks:    result.TotalChunks,
		Progress:       result.Progress,
		Completed:      result.Completed,
	})
}

// AbortRequest is the body of POST /api/v1/fcs/upload/abort.
type AbortRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		s.jsonError(w, "task_id is required", http.StatusBadRequest)
		return
	}

	if err := s.coordinator.Abort(r.Context(), caller, req.TaskID); err != nil {
		s.serviceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// TaskStatusResponse is the polling payload shared by upload sessions
// and statistics jobs.
type TaskStatusResponse struct {
	TaskID      string       `json:"task_id"`
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Progress    *float64     `json:"progress,omitempty"`
	Received    *int         `json:"received_chunks,omitempty"`
	Total       *int         `json:"total_chunks,omitempty"`
	Result      *task.Result `json:"result,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/v1/fcs/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		s.jsonError(w, "task id is required", http.StatusBadRequest)
		return
	}

	rec, err := s.coordinator.Poll(r.Context(), caller, taskID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	resp := TaskStatusResponse{
		TaskID:      rec.ID,
		Type:        string(rec.Kind),
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Result:      rec.Result,
	}
	if rec.Upload != nil {
		progress := rec.Upload.ProgressPercent()
		resp.Progress = &progress
		resp.Received = &rec.Upload.ReceivedChunks
		resp.Total = &rec.Upload.TotalChunks
	}
	s.writeJSON(w, http.StatusOK, resp)
}
