package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/pkg/logger"
)

var (
	ErrFileNotFound    = errors.New("file does not exist in catalog")
	ErrParseNotFound   = errors.New("parse does not exist in catalog")
	ErrBatchNotFound   = errors.New("approval batch does not exist")
	ErrSettingNotFound = errors.New("setting does not exist")
)

var log = logger.Get("CatalogStore")

// Store is the sole writer of catalog state. Reads may run concurrently,
// but mutations are serialized through the store mutex so that a parse
// transition and its file row never interleave with another writer.
type Store struct {
	mu sync.Mutex
}

func NewStore() *Store {
	return &Store{}
}

// --- Files ---

// UpsertFile records a file observation. A new path is inserted; an
// existing path has its content hash refreshed. The returned row carries
// the canonical ID for subsequent parse operations.
func (store *Store) UpsertFile(db database.Queryable, path string, contentHash string, kind FileKind) (*File, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var file File
	err := db.QueryRowx(`
		INSERT INTO files(path, content_hash, kind, created_at, updated_at)
		VALUES ($1, $2, $3, current_timestamp, current_timestamp)
		ON CONFLICT (path) DO UPDATE
			SET content_hash=EXCLUDED.content_hash, updated_at=current_timestamp
		RETURNING *
	`, path, contentHash, kind).StructScan(&file)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert file %s: %w", path, err)
	}

	return &file, nil
}

func (store *Store) GetFileByPath(db database.Queryable, path string) (*File, error) {
	var file File
	if err := db.Get(&file, `SELECT * FROM files WHERE path=$1`, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	return &file, nil
}

func (store *Store) GetFileByID(db database.Queryable, id int64) (*File, error) {
	var file File
	if err := db.Get(&file, `SELECT * FROM files WHERE id=$1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	return &file, nil
}

// ListFiles returns catalog entries, optionally restricted to the given
// kinds. No kinds means all files.
func (store *Store) ListFiles(db database.Queryable, kinds ...FileKind) ([]*File, error) {
	builder := squirrel.Select("*").From("files").OrderBy("id")
	if len(kinds) > 0 {
		builder = builder.Where(squirrel.Eq{"kind": kinds})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list files query: %w", err)
	}

	var results []*File
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return results, nil
}

// DeleteFile removes a file and, via cascade, its parses, tags and
// metadata.
func (store *Store) DeleteFile(db database.Queryable, id int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	result, err := db.Exec(`DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrFileNotFound
	}

	return nil
}

// --- Parses ---

// UpsertParse records a parse transition to a non-terminal status
// (pending, pending_approval or processing). Output path and error are
// cleared; completed and failed parses use CompleteParse/FailParse which
// maintain the done<=>output invariant.
func (store *Store) UpsertParse(db database.Queryable, fileID int64, processor string, status ParseStatus) (*Parse, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var parse Parse
	err := db.QueryRowx(`
		INSERT INTO parses(file_id, processor, status, output_path, error, updated_at)
		VALUES ($1, $2, $3, NULL, NULL, current_timestamp)
		ON CONFLICT (file_id, processor) DO UPDATE
			SET status=EXCLUDED.status, output_path=NULL, error=NULL, updated_at=current_timestamp
		RETURNING *
	`, fileID, processor, status).StructScan(&parse)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert parse (file=%d, processor=%s): %w", fileID, processor, err)
	}

	return &parse, nil
}

// CompleteParse marks a parse done, recording the derivative it
// produced. Batch membership is kept so the batch can be settled once
// all of its parses have finished.
func (store *Store) CompleteParse(db database.Queryable, fileID int64, processor string, outputPath string) (*Parse, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var parse Parse
	err := db.QueryRowx(`
		UPDATE parses
		SET status='done', output_path=$3, error=NULL, updated_at=current_timestamp
		WHERE file_id=$1 AND processor=$2
		RETURNING *
	`, fileID, processor, outputPath).StructScan(&parse)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParseNotFound
		}
		return nil, err
	}

	return &parse, nil
}

func (store *Store) FailParse(db database.Queryable, fileID int64, processor string, message string) (*Parse, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var parse Parse
	err := db.QueryRowx(`
		UPDATE parses
		SET status='failed', output_path=NULL, error=$3, updated_at=current_timestamp
		WHERE file_id=$1 AND processor=$2
		RETURNING *
	`, fileID, processor, message).StructScan(&parse)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParseNotFound
		}
		return nil, err
	}

	return &parse, nil
}

func (store *Store) GetParse(db database.Queryable, fileID int64, processor string) (*Parse, error) {
	var parse Parse
	if err := db.Get(&parse, `SELECT * FROM parses WHERE file_id=$1 AND processor=$2`, fileID, processor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParseNotFound
		}
		return nil, err
	}

	return &parse, nil
}

func (store *Store) ListParsesForFile(db database.Queryable, fileID int64) ([]Parse, error) {
	var results []Parse
	if err := db.Select(&results, `SELECT * FROM parses WHERE file_id=$1 ORDER BY processor`, fileID); err != nil {
		return nil, err
	}

	return results, nil
}

func (store *Store) ListParsesByStatus(db database.Queryable, statuses ...ParseStatus) ([]Parse, error) {
	query, args, err := sqlx.In(`SELECT * FROM parses WHERE status IN (?) ORDER BY file_id, processor`, statuses)
	if err != nil {
		return nil, err
	}

	var results []Parse
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return results, nil
}

// GetParseByOutputPath finds the parse which produced the given
// derivative, if any.
func (store *Store) GetParseByOutputPath(db database.Queryable, outputPath string) (*Parse, error) {
	var parse Parse
	if err := db.Get(&parse, `SELECT * FROM parses WHERE output_path=$1`, outputPath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParseNotFound
		}
		return nil, err
	}

	return &parse, nil
}

// ResetParsesByOutputPath flips every parse which produced the given
// path back to pending in a single statement, clearing the recorded
// output and error. This is the recovery primitive used when a
// derivative disappears from disk: the returned parses tell the caller
// which work must be re-queued.
func (store *Store) ResetParsesByOutputPath(db database.Queryable, outputPath string) ([]Parse, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var results []Parse
	err := db.Select(&results, `
		UPDATE parses
		SET status='pending', output_path=NULL, error=NULL, approval_batch_id=NULL, updated_at=current_timestamp
		WHERE output_path=$1
		RETURNING *
	`, outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to reset parses for output %s: %w", outputPath, err)
	}

	return results, nil
}

// DeleteParsesForFile drops every parse recorded against a file. Used
// when the files content changes, which invalidates all previous work.
func (store *Store) DeleteParsesForFile(db database.Queryable, fileID int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	result, err := db.Exec(`DELETE FROM parses WHERE file_id=$1`, fileID)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteParse drops a single parse edge; used when a processor is
// removed from configuration while work for it is still recorded.
func (store *Store) DeleteParse(db database.Queryable, fileID int64, processor string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	result, err := db.Exec(`DELETE FROM parses WHERE file_id=$1 AND processor=$2`, fileID, processor)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrParseNotFound
	}

	return nil
}

// --- Tags & metadata ---

func (store *Store) SetFileTag(db database.Queryable, fileID int64, key string, value *string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, err := db.Exec(`
		INSERT INTO file_tags(file_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_id, key) DO UPDATE SET value=EXCLUDED.value
	`, fileID, key, value)
	return err
}

func (store *Store) DeleteFileTag(db database.Queryable, fileID int64, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, err := db.Exec(`DELETE FROM file_tags WHERE file_id=$1 AND key=$2`, fileID, key)
	return err
}

func (store *Store) ListFileTags(db database.Queryable, fileID int64) ([]FileTag, error) {
	var results []FileTag
	if err := db.Select(&results, `SELECT * FROM file_tags WHERE file_id=$1 ORDER BY key`, fileID); err != nil {
		return nil, err
	}

	return results, nil
}

func (store *Store) SetFileMetadata(db database.Queryable, fileID int64, key string, value *string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, err := db.Exec(`
		INSERT INTO file_metadata(file_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_id, key) DO UPDATE SET value=EXCLUDED.value
	`, fileID, key, value)
	return err
}

func (store *Store) ListFileMetadata(db database.Queryable, fileID int64) ([]FileMetadata, error) {
	var results []FileMetadata
	if err := db.Select(&results, `SELECT * FROM file_metadata WHERE file_id=$1 ORDER BY key`, fileID); err != nil {
		return nil, err
	}

	return results, nil
}

// --- Settings ---

func (store *Store) GetSetting(db database.Queryable, key string) (string, error) {
	var setting Setting
	if err := db.Get(&setting, `SELECT * FROM settings WHERE key=$1`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", err
	}

	return setting.Value, nil
}

func (store *Store) SetSetting(db database.Queryable, key string, value string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, err := db.Exec(`
		INSERT INTO settings(key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, key, value)
	return err
}

// QueueMode reports whether newly-ready parses enqueue automatically or
// wait for approval. An unset value defaults to automatic.
func (store *Store) QueueMode(db database.Queryable) (string, error) {
	mode, err := store.GetSetting(db, SettingQueueMode)
	if errors.Is(err, ErrSettingNotFound) {
		return QueueModeAuto, nil
	} else if err != nil {
		return "", err
	}

	if mode != QueueModeAuto && mode != QueueModeApproval {
		log.Warnf("Unrecognised queue mode %q in settings, defaulting to %s\n", mode, QueueModeAuto)
		return QueueModeAuto, nil
	}

	return mode, nil
}

// --- Approval batches ---

func (store *Store) CreateApprovalBatch(db database.Queryable, name string, estimatedCost float64) (*ApprovalBatch, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var batch ApprovalBatch
	err := db.QueryRowx(`
		INSERT INTO approval_batches(id, name, estimated_cost, status, created_at)
		VALUES ($1, $2, $3, 'pending', current_timestamp)
		RETURNING *
	`, uuid.New(), name, estimatedCost).StructScan(&batch)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval batch %s: %w", name, err)
	}

	return &batch, nil
}

func (store *Store) GetApprovalBatch(db database.Queryable, id uuid.UUID) (*ApprovalBatch, error) {
	var batch ApprovalBatch
	if err := db.Get(&batch, `SELECT * FROM approval_batches WHERE id=$1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	return &batch, nil
}

func (store *Store) ListApprovalBatches(db database.Queryable, statuses ...BatchStatus) ([]*ApprovalBatch, error) {
	builder := squirrel.Select("*").From("approval_batches").OrderBy("created_at")
	if len(statuses) > 0 {
		builder = builder.Where(squirrel.Eq{"status": statuses})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list batches query: %w", err)
	}

	var results []*ApprovalBatch
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return results, nil
}

func (store *Store) SetBatchStatus(db database.Queryable, id uuid.UUID, status BatchStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	result, err := db.Exec(`UPDATE approval_batches SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrBatchNotFound
	}

	return nil
}

// AssignParseToBatch attaches a pending-approval parse to a batch so it
// can later be approved as a unit.
func (store *Store) AssignParseToBatch(db database.Queryable, batchID uuid.UUID, fileID int64, processor string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	result, err := db.Exec(`
		UPDATE parses SET approval_batch_id=$1, updated_at=current_timestamp
		WHERE file_id=$2 AND processor=$3 AND status='pending_approval'
	`, batchID, fileID, processor)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrParseNotFound
	}

	return nil
}

func (store *Store) ListParsesInBatch(db database.Queryable, batchID uuid.UUID) ([]Parse, error) {
	var results []Parse
	if err := db.Select(&results, `SELECT * FROM parses WHERE approval_batch_id=$1 ORDER BY file_id, processor`, batchID); err != nil {
		return nil, err
	}

	return results, nil
}

// ApproveParsesInBatch flips every pending-approval parse in the batch
// to pending in one statement and returns the affected rows so the
// caller can enqueue them. Callers should run this inside a transaction
// alongside the batch status update and job insertion.
func (store *Store) ApproveParsesInBatch(db database.Queryable, batchID uuid.UUID) ([]Parse, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var results []Parse
	err := db.Select(&results, `
		UPDATE parses
		SET status='pending', updated_at=current_timestamp
		WHERE approval_batch_id=$1 AND status='pending_approval'
		RETURNING *
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to approve parses in batch %s: %w", batchID, err)
	}

	return results, nil
}

// --- Processor configs ---

func (store *Store) UpsertProcessorConfig(db database.Queryable, config *ProcessorConfig) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, err := db.NamedExec(`
		INSERT INTO processor_configs(name, implementation, input_extensions, input_tags, output_ext, depends_on, is_enabled, allow_user_selection, allow_derived_files, config)
		VALUES (:name, :implementation, :input_extensions, :input_tags, :output_ext, :depends_on, :is_enabled, :allow_user_selection, :allow_derived_files, :config)
		ON CONFLICT (name) DO UPDATE SET
			implementation=EXCLUDED.implementation,
			input_extensions=EXCLUDED.input_extensions,
			input_tags=EXCLUDED.input_tags,
			output_ext=EXCLUDED.output_ext,
			depends_on=EXCLUDED.depends_on,
			is_enabled=EXCLUDED.is_enabled,
			allow_user_selection=EXCLUDED.allow_user_selection,
			allow_derived_files=EXCLUDED.allow_derived_files,
			config=EXCLUDED.config
	`, config)
	return err
}

func (store *Store) GetProcessorConfig(db database.Queryable, name string) (*ProcessorConfig, error) {
	var config ProcessorConfig
	if err := db.Get(&config, `SELECT * FROM processor_configs WHERE name=$1`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("processor config %s does not exist", name)
		}
		return nil, err
	}

	return &config, nil
}

func (store *Store) ListProcessorConfigs(db database.Queryable, onlyEnabled bool) ([]*ProcessorConfig, error) {
	builder := squirrel.Select("*").From("processor_configs").OrderBy("name")
	if onlyEnabled {
		builder = builder.Where(squirrel.Eq{"is_enabled": true})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list processor configs query: %w", err)
	}

	var results []*ProcessorConfig
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return results, nil
}

func (store *Store) DeleteProcessorConfig(db database.Queryable, name string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, err := db.Exec(`DELETE FROM processor_configs WHERE name=$1`, name)
	return err
}
