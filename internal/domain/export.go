package domain

import "time"

type ExportKind string

const (
	ExportKindBulk  ExportKind = "bulk"
	ExportKindQuery ExportKind = "query"
)

// ExportJob describes a CSV artifact on local disk that chunk reads are served from.
type ExportJob struct {
	ID        string     `json:"id"`
	Kind      ExportKind `json:"kind"`
	SessionID string     `json:"session_id"`
	Resource  string     `json:"resource,omitempty"`
	QueryID   string     `json:"query_id,omitempty"`
	FilePath  string     `json:"file_path"`
	Columns   []string   `json:"columns"`
	TotalRows int        `json:"total_rows"`
	CreatedAt time.Time  `json:"created_at"`
}

// Record is one upstream list element or single-record body.
type Record map[string]any
