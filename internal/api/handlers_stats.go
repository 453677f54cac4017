package api

import (
	"encoding/json"
	"net/http"

	"github.com/fcsvault/fcsd/internal/auth"
	"github.com/fcsvault/fcsd/internal/fcs"
	"github.com/fcsvault/fcsd/internal/stats"
)

// StatisticsRequest is the body of POST /api/v1/fcs/statistics/calculate.
// An empty file id selects the built-in sample file.
type StatisticsRequest struct {
	FileID string `json:"file_id,omitempty"`
}

// StatisticsAccepted is the 202 response when a job was scheduled.
type StatisticsAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// StatisticsResponse is the 200 response carrying computed statistics.
type StatisticsResponse struct {
	FileID      string               `json:"file_id"`
	TotalEvents int                  `json:"total_events"`
	Statistics  []fcs.ParameterStats `json:"statistics"`
	Cached      bool                 `json:"cached"`
}

func (s *Server) handleStatisticsCalculate(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StatisticsRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	fileID := req.FileID
	if fileID == "" {
		fileID = stats.SampleFileID
	}

	result, err := s.stats.Submit(r.Context(), caller, fileID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	if result.Cached != nil {
		s.writeJSON(w, http.StatusOK, StatisticsResponse{
			FileID:      fileID,
			TotalEvents: result.Cached.TotalEvents,
			Statistics:  result.Cached.Statistics,
			Cached:      true,
		})
		return
	}

	s.writeJSON(w, http.StatusAccepted, StatisticsAccepted{
		TaskID: result.TaskID,
		Status: "pending",
	})
}

func (s *Server) handleStatisticsGet(w http.ResponseWriter, r *http.Request, caller *auth.Context) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := r.URL.Query().Get("file_id")
	if fileID == "" {
		fileID = stats.SampleFileID
	}

	result, err := s.stats.Get(r.Context(), caller, fileID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, StatisticsResponse{
		FileID:      fileID,
		TotalEvents: result.TotalEvents,
		Statistics:  result.Statistics,
		Cached:      true,
	})
}
