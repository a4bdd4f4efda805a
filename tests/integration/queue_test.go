package integration_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *queue.Broker {
	return queue.NewBroker(time.Minute, time.Second, 3)
}

func Test_Broker_DequeueFollowsInsertionOrder(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := newTestBroker()

	first, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)
	second, err := broker.Enqueue(db, "extract", "/drop/b.mp4", nil)
	require.NoError(t, err)

	claimed, err := broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, queue.Active, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LeaseExpiresAt)

	claimed, err = broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed.ID)

	_, err = broker.Dequeue(db, "worker-0")
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

func Test_Broker_PauseBlocksDequeue(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := newTestBroker()

	job, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)

	require.NoError(t, broker.Pause(db))
	paused, err := broker.IsPaused(db)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = broker.Dequeue(db, "worker-0")
	assert.ErrorIs(t, err, queue.ErrNoJob, "paused broker must not hand out jobs")

	require.NoError(t, broker.Resume(db))
	claimed, err := broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func Test_Broker_FailRetriesWithBackoffUntilExhausted(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := queue.NewBroker(time.Minute, time.Second, 2)

	job, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)

	claimed, err := broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	// First failure: an attempt remains, so the job returns to waiting
	// with a deferred run_after.
	failed, err := broker.Fail(db, job.ID, "transient")
	require.NoError(t, err)
	assert.Equal(t, queue.Waiting, failed.State)
	assert.Nil(t, failed.LeaseExpiresAt)
	assert.True(t, failed.RunAfter.After(failed.UpdatedAt), "retry must be deferred by the backoff")

	// The deferred job is invisible until run_after passes.
	_, err = broker.Dequeue(db, "worker-0")
	assert.ErrorIs(t, err, queue.ErrNoJob)

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		claimed, err := broker.Dequeue(db, "worker-0")
		if assert.NoError(c, err) {
			assert.Equal(c, 2, claimed.Attempts)
		}
	}, 10*time.Second, 200*time.Millisecond)

	// Second failure exhausts the attempt budget.
	failed, err = broker.Fail(db, job.ID, "still broken")
	require.NoError(t, err)
	assert.Equal(t, queue.JobFailed, failed.State)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "still broken", *failed.Error)
}

func Test_Broker_RetryJobRestoresAttemptBudget(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := newTestBroker()

	job, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)

	// Retry only applies to failed jobs.
	_, err = broker.RetryJob(db, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	_, err = broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	require.NoError(t, broker.FailPermanently(db, job.ID, "operator gave up"))

	retried, err := broker.RetryJob(db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.Waiting, retried.State)
	assert.Zero(t, retried.Attempts)
	assert.Nil(t, retried.Error)

	claimed, err := broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func Test_Broker_ReclaimExpiredLeases(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)

	// A one-second lease expires almost immediately.
	broker := queue.NewBroker(time.Second, time.Second, 3)

	job, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)
	_, err = broker.Dequeue(db, "worker-0")
	require.NoError(t, err)

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		reclaimed, err := broker.ReclaimExpired(db)
		if assert.NoError(c, err) {
			assert.EqualValues(c, 1, reclaimed)
		}
	}, 10*time.Second, 200*time.Millisecond)

	recovered, err := broker.GetJob(db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.Waiting, recovered.State)
	assert.Nil(t, recovered.LeaseExpiresAt)
}

func Test_Broker_CompleteAndClearFinished(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := newTestBroker()

	done, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)
	failed, err := broker.Enqueue(db, "extract", "/drop/b.mp4", nil)
	require.NoError(t, err)
	waiting, err := broker.Enqueue(db, "extract", "/drop/c.mp4", nil)
	require.NoError(t, err)

	_, err = broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	require.NoError(t, broker.Complete(db, done.ID))
	require.NoError(t, broker.FailPermanently(db, failed.ID, "bad input"))

	counts, err := broker.JobCounts(db)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[queue.Completed])
	assert.Equal(t, 1, counts[queue.JobFailed])
	assert.Equal(t, 1, counts[queue.Waiting])

	cleared, err := broker.ClearFinished(db)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cleared)

	remaining, err := broker.ListJobs(db)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, waiting.ID, remaining[0].ID)
}

func Test_Broker_RemoveJobsForInputPathSparesActive(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := newTestBroker()

	active, err := broker.Enqueue(db, "extract", "/drop/a.mp4", nil)
	require.NoError(t, err)
	_, err = broker.Enqueue(db, "thumbnail", "/drop/a.mp4", nil)
	require.NoError(t, err)

	claimed, err := broker.Dequeue(db, "worker-0")
	require.NoError(t, err)
	require.Equal(t, active.ID, claimed.ID)

	removed, err := broker.RemoveJobsForInputPath(db, "/drop/a.mp4")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	remaining, err := broker.ListJobsForInputPath(db, "/drop/a.mp4")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, active.ID, remaining[0].ID)
}

func Test_Broker_GetJobUnknownID(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)
	broker := newTestBroker()

	_, err := broker.GetJob(db, uuid.New())
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}
