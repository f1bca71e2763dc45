package model

import (
	"encoding/json"
	"time"
)

// Marker is the resume position inside a stage. It is an optimization for
// status reporting and the segment page ratchet; per-unit status remains the
// source of truth on resume.
type Marker struct {
	LastNaturalKey string `json:"last_natural_key,omitempty"`
	LastPageIndex  int    `json:"last_page_index,omitempty"`
}

// Checkpoint is the single per-(job, stage) resume snapshot. It is
// overwritten on every save, never appended, so checkpoint storage stays
// O(1) per stage regardless of job size.
type Checkpoint struct {
	JobID          string          `json:"job_id"`
	Stage          Stage           `json:"stage"`
	Marker         Marker          `json:"marker"`
	ProcessedCount int             `json:"processed_count"`
	ErrorCount     int             `json:"error_count"`
	SessionState   json.RawMessage `json:"session_state,omitempty"` // opaque session manager snapshot
	SavedAt        time.Time       `json:"saved_at"`
}
