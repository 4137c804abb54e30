package storage

import "context"

// Storage defines the persistence interface for run data.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// State patches
	RecordPatch(ctx context.Context, patch *PatchRecord) error
	ListPatches(ctx context.Context, runID string) ([]PatchRecord, error)

	// Call log bulk operations (called after a batch completes)
	BulkInsertCallLogs(ctx context.Context, runID string, logs []CallLogEntry) error
	GetCallLogs(ctx context.Context, runID string, limit, offset int) (*PaginatedCallLogs, error)
	GetCallLogByHash(ctx context.Context, txHash string) (*CallLogEntry, error)

	// Lifecycle
	Close() error
}
