// Package catalog owns the durable record of every file Sift has observed
// and the per-(file, processor) parse state machine. All parse transitions
// in the system flow through this package; no other component writes
// parse state.
package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/lwhitby/sift/internal/database"
)

type (
	// FileKind distinguishes files which appeared externally from files
	// which a processor produced. Some processors refuse to consume
	// derivatives to avoid unbounded chains.
	FileKind string

	// ParseStatus is the lifecycle state of a (file, processor) edge.
	ParseStatus string

	BatchStatus string

	File struct {
		ID          int64     `db:"id"`
		Path        string    `db:"path"`
		ContentHash string    `db:"content_hash"`
		Kind        FileKind  `db:"kind"`
		CreatedAt   time.Time `db:"created_at"`
		UpdatedAt   time.Time `db:"updated_at"`
	}

	Parse struct {
		FileID          int64       `db:"file_id"`
		Processor       string      `db:"processor"`
		Status          ParseStatus `db:"status"`
		OutputPath      *string     `db:"output_path"`
		Error           *string     `db:"error"`
		ApprovalBatchID *uuid.UUID  `db:"approval_batch_id"`
		UpdatedAt       time.Time   `db:"updated_at"`
	}

	FileTag struct {
		FileID int64   `db:"file_id"`
		Key    string  `db:"key"`
		Value  *string `db:"value"`
	}

	FileMetadata struct {
		FileID int64   `db:"file_id"`
		Key    string  `db:"key"`
		Value  *string `db:"value"`
	}

	Setting struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}

	ApprovalBatch struct {
		ID            uuid.UUID   `db:"id"`
		Name          string      `db:"name"`
		EstimatedCost float64     `db:"estimated_cost"`
		Status        BatchStatus `db:"status"`
		CreatedAt     time.Time   `db:"created_at"`
	}

	// ProcessorConfig binds a processor implementation to a filter and
	// policy. The config column holds implementation-specific options as
	// JSONB, handed to the runner factory when the registry is built.
	ProcessorConfig struct {
		Name               string                                       `db:"name"`
		Implementation     string                                       `db:"implementation"`
		InputExtensions    pq.StringArray                               `db:"input_extensions"`
		InputTags          pq.StringArray                               `db:"input_tags"`
		OutputExt          string                                       `db:"output_ext"`
		DependsOn          pq.StringArray                               `db:"depends_on"`
		IsEnabled          bool                                         `db:"is_enabled"`
		AllowUserSelection bool                                         `db:"allow_user_selection"`
		AllowDerivedFiles  bool                                         `db:"allow_derived_files"`
		Config             database.JsonColumn[map[string]interface{}] `db:"config"`
	}
)

const (
	Original   FileKind = "original"
	Derivative FileKind = "derivative"

	Pending         ParseStatus = "pending"
	PendingApproval ParseStatus = "pending_approval"
	Processing      ParseStatus = "processing"
	Done            ParseStatus = "done"
	Failed          ParseStatus = "failed"

	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// SettingQueueMode is the settings key controlling whether newly-ready
// parses are enqueued automatically or parked awaiting approval.
const (
	SettingQueueMode  = "queue_mode"
	QueueModeAuto     = "auto"
	QueueModeApproval = "approval"
)

func (p Parse) String() string {
	return fmt.Sprintf("Parse{file=%d processor=%s status=%s}", p.FileID, p.Processor, p.Status)
}

func (f File) String() string {
	return fmt.Sprintf("File{id=%d path=%s kind=%s}", f.ID, f.Path, f.Kind)
}

// TagKeys flattens tag rows to their keys, the form the dependency
// resolver consumes.
func TagKeys(tags []FileTag) []string {
	keys := make([]string, len(tags))
	for k, v := range tags {
		keys[k] = v.Key
	}

	return keys
}
