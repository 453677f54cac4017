// Package task persists background task records: chunked upload sessions
// and statistics jobs share one durable store, polled through one handle.
package task

import (
	"time"

	"github.com/fcsvault/fcsd/internal/fcs"
)

// Kind identifies the workload a task record represents.
type Kind string

// Task kinds.
const (
	KindUpload     Kind = "upload"
	KindStatistics Kind = "statistics"
)

// Status is the lifecycle state of a task record.
type Status string

// Task statuses. Progression is monotonic: pending → processing →
// finalizing → completed|failed, with an expired decay from failed or
// from any non-terminal state past its deadline.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions are allowed from s,
// except the failed → expired decay applied by the sweeper.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// UploadMeta is the kind-specific metadata of an upload session.
type UploadMeta struct {
	Filename         string `json:"filename"`
	TotalSize        int64  `json:"total_size"`
	ChunkSize        int64  `json:"chunk_size"`
	TotalChunks      int    `json:"total_chunks"`
	ReceivedChunks   int    `json:"received_chunks"`
	ReceivedBytes    int64  `json:"received_bytes"`
	ReceivedIndices  []int  `json:"received_indices"`
	ChunkWriteMillis int64  `json:"chunk_write_ms"`
	Public           bool   `json:"public"`
	TempPath         string `json:"temp_path,omitempty"`
}

// HasChunk reports whether the given chunk index was already received.
func (m *UploadMeta) HasChunk(index int) bool {
	for _, i := range m.ReceivedIndices {
		if i == index {
			return true
		}
	}
	return false
}

// ExpectedChunkSize returns the exact byte count required for a chunk:
// the session chunk size for all indices but the last, which carries the
// remainder.
func (m *UploadMeta) ExpectedChunkSize(index int) int64 {
	if index == m.TotalChunks-1 {
		return m.TotalSize - m.ChunkSize*int64(m.TotalChunks-1)
	}
	return m.ChunkSize
}

// ProgressPercent returns received progress as a percentage in [0, 100],
// rounded to one decimal place.
func (m *UploadMeta) ProgressPercent() float64 {
	if m.TotalSize == 0 {
		return 0
	}
	pct := float64(m.ReceivedBytes) / float64(m.TotalSize) * 100
	if pct > 100 {
		pct = 100
	}
	return float64(int(pct*10+0.5)) / 10
}

// StatsMeta is the kind-specific metadata of a statistics job.
type StatsMeta struct {
	FileID string `json:"file_id"` // "sample" for the built-in sample file
	Path   string `json:"path"`    // resolved path at submission time
}

// Result is the terminal payload of a task. It never carries temp paths
// or internal error detail; failures are reduced to a generic message.
type Result struct {
	FileID          string               `json:"file_id,omitempty"`
	Filename        string               `json:"filename,omitempty"`
	TotalEvents     int                  `json:"total_events,omitempty"`
	TotalParameters int                  `json:"total_parameters,omitempty"`
	UploadMillis    int64                `json:"upload_duration_ms,omitempty"`
	Statistics      []fcs.ParameterStats `json:"statistics,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
}

// Record is one persisted unit of asynchronous work. Its ID doubles as
// the external task handle clients poll.
type Record struct {
	ID          string
	Kind        Kind
	Status      Status
	Owner       string
	Upload      *UploadMeta // set iff Kind == KindUpload
	Stats       *StatsMeta  // set iff Kind == KindStatistics
	Result      *Result
	FileID      string // permanent file reference, set on successful finalize
	CreatedAt   time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time // upload sessions only, cleared on terminal states
}

// FileRecord describes one finalized FCS file.
type FileRecord struct {
	FileID          string
	Filename        string
	Path            string
	Size            int64
	TotalEvents     int
	TotalParameters int
	Public          bool
	UploadMillis    int64
	Owner           string
	UploadedAt      time.Time
}
