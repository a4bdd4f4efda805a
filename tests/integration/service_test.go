package integration_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/pipeline"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/internal/processor/builtin"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellRunner(t *testing.T, script string) processor.Runner {
	runner, err := builtin.NewCommandRunner(map[string]interface{}{
		"command": "/bin/sh",
		"args":    []string{"-c", script},
	})
	require.NoError(t, err)
	return runner
}

// startFullPipeline runs the coordinator and the queue service against a
// real registry, the way the composed server does.
func startFullPipeline(t *testing.T, db *sqlx.DB, registry *processor.Registry) (*catalog.Store, *queue.Broker, event.EventCoordinator, *queue.Service) {
	store := catalog.NewStore()
	broker := queue.NewBroker(time.Minute, time.Second, 2)
	bus := event.New()

	coordinator := pipeline.NewCoordinator(db, store, broker, registry, bus)
	service := queue.New(queue.Config{
		WorkerCount:         2,
		JobTimeoutMinutes:   1,
		PollIntervalSeconds: 1,
	}, db, broker, store, registry, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := coordinator.Run(ctx); err != nil {
			t.Errorf("coordinator exited with error: %v", err)
		}
	}()
	go func() {
		if err := service.Run(ctx); err != nil {
			t.Errorf("queue service exited with error: %v", err)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	return store, broker, bus, service
}

func Test_QueueService_RunsChainToCompletion(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)

	registry, err := processor.NewRegistry([]*processor.Descriptor{
		{
			Name:            "extract",
			InputExtensions: []string{".mp4"},
			OutputExt:       ".wav",
			Runner:          shellRunner(t, "cp {input} {output}"),
		},
		{
			Name:              "transcribe",
			InputExtensions:   []string{".wav"},
			OutputExt:         ".txt",
			AllowDerivedFiles: true,
			Runner:            shellRunner(t, "tr a-z A-Z < {input} > {output}"),
		},
	})
	require.NoError(t, err)

	store, broker, bus, _ := startFullPipeline(t, db, registry)

	dir := t.TempDir()
	input := helpers.WriteFile(t, dir, "meeting.mp4", "recording")
	bus.Dispatch(event.FileAddedEvent, event.FileEventPayload{Path: input})

	// The chain runs unattended: extract copies the input to the .wav,
	// the coordinator catalogs the derivative, transcribe picks it up.
	finalOutput := input + ".wav.txt"
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		content, err := os.ReadFile(finalOutput)
		if assert.NoError(c, err) {
			assert.Equal(c, "RECORDING", string(content))
		}
	}, 30*time.Second, 200*time.Millisecond)

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		file, err := store.GetFileByPath(db, input)
		if !assert.NoError(c, err) {
			return
		}
		parse, err := store.GetParse(db, file.ID, "extract")
		if assert.NoError(c, err) {
			assert.Equal(c, catalog.Done, parse.Status)
		}

		derivative, err := store.GetFileByPath(db, input+".wav")
		if !assert.NoError(c, err) {
			return
		}
		assert.Equal(c, catalog.Derivative, derivative.Kind)
		parse, err = store.GetParse(db, derivative.ID, "transcribe")
		if assert.NoError(c, err) {
			assert.Equal(c, catalog.Done, parse.Status)
		}
	}, 30*time.Second, 200*time.Millisecond)

	counts, err := broker.JobCounts(db)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[queue.Completed])
	assert.Zero(t, counts[queue.Waiting])
	assert.Zero(t, counts[queue.Active])
}

func Test_QueueService_ExhaustedRetriesSurfaceAsFailedParse(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)

	registry, err := processor.NewRegistry([]*processor.Descriptor{
		{
			Name:            "explode",
			InputExtensions: []string{".mp4"},
			OutputExt:       ".out",
			Runner:          shellRunner(t, "echo no can do >&2; exit 1"),
		},
	})
	require.NoError(t, err)

	store, broker, bus, _ := startFullPipeline(t, db, registry)

	dir := t.TempDir()
	input := helpers.WriteFile(t, dir, "doomed.mp4", "bytes")
	bus.Dispatch(event.FileAddedEvent, event.FileEventPayload{Path: input})

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		file, err := store.GetFileByPath(db, input)
		if !assert.NoError(c, err) {
			return
		}
		parse, err := store.GetParse(db, file.ID, "explode")
		if assert.NoError(c, err) {
			assert.Equal(c, catalog.Failed, parse.Status)
			if assert.NotNil(c, parse.Error) {
				assert.Contains(c, *parse.Error, "no can do")
			}
		}
	}, 30*time.Second, 200*time.Millisecond)

	jobs, err := broker.ListJobsForInputPath(db, input)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.JobFailed, jobs[0].State)
	assert.Equal(t, 2, jobs[0].Attempts, "the job is retried until the attempt budget is spent")
}

func Test_QueueService_CancelledRunFailsParseAsCancelled(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)

	registry, err := processor.NewRegistry([]*processor.Descriptor{
		{
			Name:            "extract",
			InputExtensions: []string{".mp4"},
			OutputExt:       ".wav",
			Runner:          shellRunner(t, "sleep 30"),
		},
	})
	require.NoError(t, err)

	store, broker, bus, service := startFullPipeline(t, db, registry)

	dir := t.TempDir()
	input := helpers.WriteFile(t, dir, "endless.mp4", "bytes")
	bus.Dispatch(event.FileAddedEvent, event.FileEventPayload{Path: input})

	var jobID uuid.UUID
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		jobs, err := broker.ListJobsForInputPath(db, input)
		if assert.NoError(c, err) && assert.Len(c, jobs, 1) {
			jobID = jobs[0].ID
			assert.Equal(c, queue.Active, jobs[0].State)
		}
	}, 30*time.Second, 100*time.Millisecond)

	// The worker registers the run shortly after claiming the job, so the
	// cancellation may need a retry before it lands.
	require.Eventually(t, func() bool {
		return service.CancelJob(jobID)
	}, 10*time.Second, 100*time.Millisecond)

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		file, err := store.GetFileByPath(db, input)
		if !assert.NoError(c, err) {
			return
		}

		parse, err := store.GetParse(db, file.ID, "extract")
		if assert.NoError(c, err) {
			assert.Equal(c, catalog.Failed, parse.Status)
			if assert.NotNil(c, parse.Error) {
				assert.Equal(c, "cancelled", *parse.Error)
			}
		}
	}, 30*time.Second, 200*time.Millisecond)

	job, err := broker.GetJob(db, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, "cancelled", *job.Error)
}

func Test_QueueService_AbandonsJobWhenInputVanishes(t *testing.T) {
	db := helpers.RequireDatabase(t)
	helpers.TruncateAll(t, db)

	registry, err := processor.NewRegistry([]*processor.Descriptor{
		{
			Name:            "extract",
			InputExtensions: []string{".mp4"},
			OutputExt:       ".wav",
			Runner:          shellRunner(t, "cp {input} {output}"),
		},
	})
	require.NoError(t, err)

	store := catalog.NewStore()
	broker := queue.NewBroker(time.Minute, time.Second, 3)
	bus := event.New()

	// Seed the catalog and queue directly, then delete the input before
	// any worker starts.
	dir := t.TempDir()
	input := helpers.WriteFile(t, dir, "fleeting.mp4", "bytes")
	file, err := store.UpsertFile(db, input, "h1", catalog.Original)
	require.NoError(t, err)
	_, err = store.UpsertParse(db, file.ID, "extract", catalog.Pending)
	require.NoError(t, err)
	job, err := broker.Enqueue(db, "extract", input, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(input))

	coordinator := pipeline.NewCoordinator(db, store, broker, registry, bus)
	service := queue.New(queue.Config{WorkerCount: 1, JobTimeoutMinutes: 1, PollIntervalSeconds: 1}, db, broker, store, registry, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = coordinator.Run(ctx) }()
	go func() { _ = service.Run(ctx) }()

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		found, err := broker.GetJob(db, job.ID)
		if assert.NoError(c, err) {
			assert.Equal(c, queue.JobFailed, found.State)
		}

		parse, err := store.GetParse(db, file.ID, "extract")
		if assert.NoError(c, err) {
			assert.Equal(c, catalog.Failed, parse.Status)
		}
	}, 30*time.Second, 200*time.Millisecond)
}
