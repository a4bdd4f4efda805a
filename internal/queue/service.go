package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/pkg/logger"
	"github.com/lwhitby/sift/pkg/worker"
)

// Config holds the tunables for the queue service and broker.
type Config struct {
	WorkerCount         int `yaml:"worker_count" env:"QUEUE_WORKER_COUNT" env-default:"3"`
	JobTimeoutMinutes   int `yaml:"job_timeout_minutes" env:"QUEUE_JOB_TIMEOUT_MINUTES" env-default:"30"`
	LeaseMinutes        int `yaml:"lease_minutes" env:"QUEUE_LEASE_MINUTES" env-default:"10"`
	RetryBaseSeconds    int `yaml:"retry_base_seconds" env:"QUEUE_RETRY_BASE_SECONDS" env-default:"5"`
	MaxAttempts         int `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS" env-default:"3"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds" env:"QUEUE_POLL_INTERVAL_SECONDS" env-default:"5"`
}

// cancelledReason is recorded against jobs and parses whose in-flight
// run was cancelled by an operator.
const cancelledReason = "cancelled"

// Service drives job execution: a pool of workers dequeues from the
// broker and runs the bound processor against the job's input. Workers
// wake on queue update events and on a poll ticker (which also covers
// jobs deferred by retry backoff and expired lease reclaim).
type Service struct {
	serviceLog logger.Logger
	db         *sqlx.DB
	broker     *Broker
	catalog    *catalog.Store
	registry   *processor.Registry
	eventBus   event.EventCoordinator

	workerPool   *worker.WorkerPool
	jobTimeout   time.Duration
	pollInterval time.Duration
	workerCount  int

	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]context.CancelFunc
}

func New(config Config, db *sqlx.DB, broker *Broker, catalogStore *catalog.Store, registry *processor.Registry, eventBus event.EventCoordinator) *Service {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 3
	}

	return &Service{
		serviceLog:   logger.Get("QueueService"),
		db:           db,
		broker:       broker,
		catalog:      catalogStore,
		registry:     registry,
		eventBus:     eventBus,
		workerPool:   worker.NewWorkerPool(),
		jobTimeout:   time.Duration(config.JobTimeoutMinutes) * time.Minute,
		pollInterval: time.Duration(config.PollIntervalSeconds) * time.Second,
		workerCount:  workerCount,
	}
}

// Run starts the worker pool and blocks until the context is cancelled.
func (service *Service) Run(ctx context.Context) error {
	if service.jobTimeout <= 0 {
		service.jobTimeout = 30 * time.Minute
	}
	if service.pollInterval <= 0 {
		service.pollInterval = 5 * time.Second
	}
	service.inFlight = make(map[uuid.UUID]context.CancelFunc)

	for i := 0; i < service.workerCount; i++ {
		label := fmt.Sprintf("queue-worker:%d", i)
		if err := service.workerPool.PushWorker(worker.NewWorker(label, func(w worker.Worker) (bool, error) {
			return service.processNextJob(ctx, w)
		})); err != nil {
			return err
		}
	}

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.workerPool.Close()

	updateChan := make(event.HandlerChannel, 10)
	service.eventBus.RegisterHandlerChannel(updateChan, event.QueueUpdateEvent, event.ApprovalUpdateEvent)

	ticker := time.NewTicker(service.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-updateChan:
			_ = service.workerPool.WakeupWorkers()
		case <-ticker.C:
			if _, err := service.broker.ReclaimExpired(service.db); err != nil {
				service.serviceLog.Errorf("Failed to reclaim expired job leases: %v\n", err)
			}

			_ = service.workerPool.WakeupWorkers()
		case <-ctx.Done():
			service.cancelAll()
			return nil
		}
	}
}

// CancelJob cancels the in-flight execution of the given job, if this
// instance is currently running it. Returns whether a cancellation was
// delivered.
func (service *Service) CancelJob(jobID uuid.UUID) bool {
	service.inFlightMu.Lock()
	defer service.inFlightMu.Unlock()

	if cancel, ok := service.inFlight[jobID]; ok {
		cancel()
		return true
	}

	return false
}

func (service *Service) cancelAll() {
	service.inFlightMu.Lock()
	defer service.inFlightMu.Unlock()

	for _, cancel := range service.inFlight {
		cancel()
	}
}

// processNextJob claims and executes a single job. The returned bool
// follows the worker task contract: true means a job was claimed and the
// worker should immediately poll again.
func (service *Service) processNextJob(ctx context.Context, w worker.Worker) (bool, error) {
	job, err := service.broker.Dequeue(service.db, w.Label())
	if err != nil {
		if err == ErrNoJob {
			return false, nil
		}
		return false, err
	}

	descriptor, err := service.registry.Get(job.Processor)
	if err != nil {
		service.abandonJob(job, fmt.Sprintf("processor %s is no longer registered", job.Processor))
		return true, nil
	}

	file, err := service.catalog.GetFileByPath(service.db, job.InputPath)
	if err != nil {
		service.abandonJob(job, fmt.Sprintf("input %s is not in the catalog", job.InputPath))
		return true, nil
	}

	if _, err := os.Stat(job.InputPath); err != nil {
		service.abandonJob(job, "input removed from disk")
		return true, nil
	}

	if _, err := service.catalog.UpsertParse(service.db, file.ID, descriptor.Name, catalog.Processing); err != nil {
		service.serviceLog.Errorf("Failed to mark parse processing for job %s: %v\n", job.ID, err)
	}
	service.eventBus.Dispatch(event.ParseUpdateEvent, event.ParseEventPayload{InputPath: job.InputPath, Processor: descriptor.Name})

	outputPath := descriptor.OutputPath(job.InputPath)
	runErr := service.runJob(ctx, job, descriptor, outputPath)
	if runErr != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the run; the lease lapses and the job
			// is reclaimed on the next startup.
			return false, nil
		}

		if errors.Is(runErr, context.Canceled) {
			service.finaliseCancelledJob(job, descriptor)
			return true, nil
		}

		service.handleRunFailure(job, file, descriptor, runErr)
		return true, nil
	}

	if _, err := os.Stat(outputPath); err != nil {
		service.abandonJob(job, fmt.Sprintf("processor produced no output at %s", outputPath))
		return true, nil
	}

	if err := service.broker.Complete(service.db, job.ID); err != nil {
		service.serviceLog.Errorf("Failed to mark job %s completed: %v\n", job.ID, err)
	}

	service.serviceLog.Infof("Job %s completed (processor=%s output=%s)\n", job.ID, descriptor.Name, outputPath)
	service.eventBus.Dispatch(event.ParseCompletedEvent, event.ParseEventPayload{
		InputPath:  job.InputPath,
		Processor:  descriptor.Name,
		OutputPath: outputPath,
	})

	return true, nil
}

func (service *Service) runJob(ctx context.Context, job *Job, descriptor *processor.Descriptor, outputPath string) error {
	jobCtx, cancel := context.WithTimeout(ctx, service.jobTimeout)
	defer cancel()

	service.inFlightMu.Lock()
	service.inFlight[job.ID] = cancel
	service.inFlightMu.Unlock()

	defer func() {
		service.inFlightMu.Lock()
		delete(service.inFlight, job.ID)
		service.inFlightMu.Unlock()
	}()

	runErr := descriptor.Runner.Run(jobCtx, job.InputPath, outputPath)

	// An operator cancellation is reported as context.Canceled even when
	// the runner dressed the interruption up as its own error. A lapsed
	// timeout stays DeadlineExceeded, and a parent shutdown is left for
	// the caller to distinguish via its own context.
	if runErr != nil && errors.Is(jobCtx.Err(), context.Canceled) {
		return context.Canceled
	}

	return runErr
}

// finaliseCancelledJob settles a job whose run was cancelled by an
// operator: the job moves to the terminal failed state and the parse is
// surfaced as failed with reason "cancelled".
func (service *Service) finaliseCancelledJob(job *Job, descriptor *processor.Descriptor) {
	service.serviceLog.Infof("Job %s cancelled while running\n", job.ID)

	// The job row may already be gone if the cancellation came from a
	// delete request which raced the worker.
	if err := service.broker.FailPermanently(service.db, job.ID, cancelledReason); err != nil && !errors.Is(err, ErrJobNotFound) {
		service.serviceLog.Errorf("Failed to record cancellation of job %s: %v\n", job.ID, err)
	}

	service.eventBus.Dispatch(event.ParseFailedEvent, event.ParseEventPayload{
		InputPath: job.InputPath,
		Processor: descriptor.Name,
		Error:     cancelledReason,
	})
}

// handleRunFailure routes a processor error: jobs with attempts left go
// back to waiting (parse returns to pending), exhausted jobs become
// terminal failures surfaced to the coordinator.
func (service *Service) handleRunFailure(job *Job, file *catalog.File, descriptor *processor.Descriptor, runErr error) {
	failed, err := service.broker.Fail(service.db, job.ID, runErr.Error())
	if err != nil {
		service.serviceLog.Errorf("Failed to record failure for job %s: %v\n", job.ID, err)
		return
	}

	if failed.State == JobFailed {
		service.eventBus.Dispatch(event.ParseFailedEvent, event.ParseEventPayload{
			InputPath: job.InputPath,
			Processor: descriptor.Name,
			Error:     runErr.Error(),
		})
		return
	}

	if _, err := service.catalog.UpsertParse(service.db, file.ID, descriptor.Name, catalog.Pending); err != nil {
		service.serviceLog.Errorf("Failed to return parse to pending for job %s: %v\n", job.ID, err)
	}
	service.eventBus.Dispatch(event.ParseUpdateEvent, event.ParseEventPayload{InputPath: job.InputPath, Processor: descriptor.Name})
}

// abandonJob permanently fails a job for a reason retries cannot fix and
// surfaces the failure to the coordinator.
func (service *Service) abandonJob(job *Job, reason string) {
	service.serviceLog.Warnf("Abandoning job %s: %s\n", job.ID, reason)
	if err := service.broker.FailPermanently(service.db, job.ID, reason); err != nil {
		service.serviceLog.Errorf("Failed to abandon job %s: %v\n", job.ID, err)
	}

	service.eventBus.Dispatch(event.ParseFailedEvent, event.ParseEventPayload{
		InputPath: job.InputPath,
		Processor: job.Processor,
		Error:     reason,
	})
}
