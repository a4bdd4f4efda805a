// Package queue implements the durable job queue on top of the Postgres
// server the catalog already lives in. Jobs survive restarts; dequeue
// uses FOR UPDATE SKIP LOCKED with a lease so a crashed worker's job
// becomes visible again once the lease lapses (at-least-once delivery).
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/pkg/logger"
)

var (
	ErrJobNotFound = errors.New("job does not exist")
	ErrNoJob       = errors.New("no job is available for dequeue")
)

var log = logger.Get("Broker")

type (
	JobState string

	Job struct {
		ID             uuid.UUID  `db:"id"`
		Seq            int64      `db:"seq"`
		Processor      string     `db:"processor"`
		InputPath      string     `db:"input_path"`
		State          JobState   `db:"state"`
		Attempts       int        `db:"attempts"`
		MaxAttempts    int        `db:"max_attempts"`
		EstimatedCost  *float64   `db:"estimated_cost"`
		Error          *string    `db:"error"`
		RunAfter       time.Time  `db:"run_after"`
		LeaseExpiresAt *time.Time `db:"lease_expires_at"`
		CreatedAt      time.Time  `db:"created_at"`
		UpdatedAt      time.Time  `db:"updated_at"`
	}

	// Broker mediates all access to the jobs table. Retry policy and
	// lease duration are fixed at construction.
	Broker struct {
		leaseDuration  time.Duration
		retryBaseDelay time.Duration
		maxAttempts    int
	}
)

const (
	Waiting   JobState = "waiting"
	Active    JobState = "active"
	Completed JobState = "completed"
	JobFailed JobState = "failed"
)

const (
	DefaultLeaseDuration  = 10 * time.Minute
	DefaultRetryBaseDelay = 5 * time.Second
	DefaultMaxAttempts    = 3
)

func NewBroker(leaseDuration time.Duration, retryBaseDelay time.Duration, maxAttempts int) *Broker {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = DefaultRetryBaseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Broker{leaseDuration: leaseDuration, retryBaseDelay: retryBaseDelay, maxAttempts: maxAttempts}
}

func (broker *Broker) Enqueue(db database.Queryable, processor string, inputPath string, estimatedCost *float64) (*Job, error) {
	var job Job
	err := db.QueryRowx(`
		INSERT INTO jobs(id, processor, input_path, state, attempts, max_attempts, estimated_cost, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'waiting', 0, $4, $5, current_timestamp, current_timestamp, current_timestamp)
		RETURNING *
	`, uuid.New(), processor, inputPath, broker.maxAttempts, estimatedCost).StructScan(&job)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job for %s on %s: %w", processor, inputPath, err)
	}

	log.Debugf("Enqueued job %s (processor=%s input=%s)\n", job.ID, processor, inputPath)
	return &job, nil
}

// Dequeue claims the oldest runnable waiting job and leases it to the
// caller. Jobs are claimed in insertion order per processor. Returns
// ErrNoJob when the queue is empty, every candidate is deferred by
// run_after, or the broker is paused.
func (broker *Broker) Dequeue(db database.Queryable, workerLabel string) (*Job, error) {
	var job Job
	err := db.QueryRowx(fmt.Sprintf(`
		UPDATE jobs SET
			state='active',
			attempts=attempts+1,
			lease_expires_at=current_timestamp + interval '%d seconds',
			updated_at=current_timestamp
		WHERE id = (
			SELECT id FROM jobs
			WHERE state='waiting'
			  AND run_after <= current_timestamp
			  AND (SELECT value FROM broker_state WHERE key='paused') = 'false'
			ORDER BY seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *
	`, int(broker.leaseDuration.Seconds()))).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, err
	}

	log.Debugf("Worker %s claimed job %s (processor=%s attempt=%d)\n", workerLabel, job.ID, job.Processor, job.Attempts)
	return &job, nil
}

// ReclaimExpired returns active jobs whose lease has lapsed back to the
// waiting state. Returns how many were reclaimed.
func (broker *Broker) ReclaimExpired(db database.Queryable) (int64, error) {
	result, err := db.Exec(`
		UPDATE jobs SET state='waiting', lease_expires_at=NULL, updated_at=current_timestamp
		WHERE state='active' AND lease_expires_at < current_timestamp
	`)
	if err != nil {
		return 0, err
	}

	reclaimed, err := result.RowsAffected()
	if err == nil && reclaimed > 0 {
		log.Warnf("Reclaimed %d job(s) with expired leases\n", reclaimed)
	}

	return reclaimed, err
}

func (broker *Broker) Complete(db database.Queryable, jobID uuid.UUID) error {
	result, err := db.Exec(`
		UPDATE jobs SET state='completed', error=NULL, lease_expires_at=NULL, updated_at=current_timestamp
		WHERE id=$1
	`, jobID)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// Fail records a job failure. Jobs with attempts remaining return to
// waiting with an exponential backoff on run_after (base delay doubled
// per prior attempt); exhausted jobs move to the terminal failed state.
func (broker *Broker) Fail(db database.Queryable, jobID uuid.UUID, message string) (*Job, error) {
	var job Job
	err := db.QueryRowx(fmt.Sprintf(`
		UPDATE jobs SET
			state=CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'waiting' END,
			run_after=current_timestamp + (interval '%d seconds' * power(2, greatest(attempts-1, 0))),
			error=$2,
			lease_expires_at=NULL,
			updated_at=current_timestamp
		WHERE id=$1
		RETURNING *
	`, int(broker.retryBaseDelay.Seconds())), jobID, message).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	if job.State == JobFailed {
		log.Errorf("Job %s failed permanently after %d attempts: %s\n", job.ID, job.Attempts, message)
	} else {
		log.Warnf("Job %s failed (attempt %d/%d), retrying after %s: %s\n", job.ID, job.Attempts, job.MaxAttempts, job.RunAfter, message)
	}

	return &job, nil
}

// FailPermanently moves a job straight to the terminal failed state,
// bypassing retries. Used when retrying cannot help (input removed,
// output never materialised).
func (broker *Broker) FailPermanently(db database.Queryable, jobID uuid.UUID, message string) error {
	result, err := db.Exec(`
		UPDATE jobs SET state='failed', error=$2, lease_expires_at=NULL, updated_at=current_timestamp
		WHERE id=$1
	`, jobID, message)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (broker *Broker) GetJob(db database.Queryable, jobID uuid.UUID) (*Job, error) {
	var job Job
	if err := db.Get(&job, `SELECT * FROM jobs WHERE id=$1`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	return &job, nil
}

// ListJobs returns jobs in queue order, optionally restricted to the
// given states.
func (broker *Broker) ListJobs(db database.Queryable, states ...JobState) ([]*Job, error) {
	builder := squirrel.Select("*").From("jobs").OrderBy("seq")
	if len(states) > 0 {
		builder = builder.Where(squirrel.Eq{"state": states})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list jobs query: %w", err)
	}

	var results []*Job
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	return results, nil
}

func (broker *Broker) ListJobsForInputPath(db database.Queryable, inputPath string) ([]*Job, error) {
	var results []*Job
	if err := db.Select(&results, `SELECT * FROM jobs WHERE input_path=$1 ORDER BY seq`, inputPath); err != nil {
		return nil, err
	}

	return results, nil
}

func (broker *Broker) RemoveJob(db database.Queryable, jobID uuid.UUID) error {
	result, err := db.Exec(`DELETE FROM jobs WHERE id=$1`, jobID)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}

	return nil
}

// RemoveJobsForInputPath drops every non-active job naming the path.
// Active jobs are left to their in-flight cancellation path.
func (broker *Broker) RemoveJobsForInputPath(db database.Queryable, inputPath string) (int64, error) {
	result, err := db.Exec(`DELETE FROM jobs WHERE input_path=$1 AND state != 'active'`, inputPath)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// RetryJob returns a failed job to the queue with a fresh attempt
// budget.
func (broker *Broker) RetryJob(db database.Queryable, jobID uuid.UUID) (*Job, error) {
	var job Job
	err := db.QueryRowx(`
		UPDATE jobs SET state='waiting', attempts=0, error=NULL, run_after=current_timestamp, lease_expires_at=NULL, updated_at=current_timestamp
		WHERE id=$1 AND state='failed'
		RETURNING *
	`, jobID).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	return &job, nil
}

// ClearFinished deletes completed and failed jobs, returning how many
// were removed.
func (broker *Broker) ClearFinished(db database.Queryable) (int64, error) {
	result, err := database.InExec(db, `DELETE FROM jobs WHERE state IN (?)`, []JobState{Completed, JobFailed})
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (broker *Broker) Pause(db database.Queryable) error {
	_, err := db.Exec(`UPDATE broker_state SET value='true' WHERE key='paused'`)
	return err
}

func (broker *Broker) Resume(db database.Queryable) error {
	_, err := db.Exec(`UPDATE broker_state SET value='false' WHERE key='paused'`)
	return err
}

func (broker *Broker) IsPaused(db database.Queryable) (bool, error) {
	var value string
	if err := db.Get(&value, `SELECT value FROM broker_state WHERE key='paused'`); err != nil {
		return false, err
	}

	return value == "true", nil
}

// JobCounts summarises the queue by state for the status endpoint.
func (broker *Broker) JobCounts(db database.Queryable) (map[JobState]int, error) {
	var rows []struct {
		State JobState `db:"state"`
		Count int      `db:"count"`
	}
	if err := db.Select(&rows, `SELECT state, COUNT(*) AS count FROM jobs GROUP BY state`); err != nil {
		return nil, err
	}

	counts := make(map[JobState]int, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}

	return counts, nil
}
