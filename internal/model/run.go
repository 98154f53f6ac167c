package model

import (
	"time"
)

// RunStatus represents the current state of an audit run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// Run represents one invocation of the stage engine.
type Run struct {
	ID           string     `json:"id"`
	AnalysisYear int        `json:"analysis_year"`
	Stages       []string   `json:"stages"`
	Status       RunStatus  `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// StageStatus represents the current state of a pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
)

// StageRecord is the ledger entry for one stage of a run.
type StageRecord struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Status     StageStatus    `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StageResult holds the outcome a stage reports back to the engine.
type StageResult struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ImputedMonth records one synthesized program-month.
type ImputedMonth struct {
	RunID      string    `json:"run_id"`
	Program    string    `json:"program"`
	Year       int       `json:"year"`
	Month      int       `json:"month"`
	Path       string    `json:"path"`
	Buckets    int       `json:"buckets"`
	TotalTrips float64   `json:"total_trips"`
	CreatedAt  time.Time `json:"created_at"`
}
