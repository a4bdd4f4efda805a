// Package internal composes Sift: the event bus, database, stores,
// processor registry and the services which drive the pipeline.
package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lwhitby/sift/internal/api"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/pipeline"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/internal/processor/builtin"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/internal/watcher"
	"github.com/lwhitby/sift/pkg/docker"
	"github.com/lwhitby/sift/pkg/logger"
)

var log = logger.Get("Core")

// RunnableService is a long-running component which blocks in Run until
// its context is cancelled.
type RunnableService interface {
	Run(context.Context) error
}

// siftImpl is the top-level object for the server, responsible for
// initialising embedded support services, stores, the registry and the
// pipeline services.
type siftImpl struct {
	config        SiftConfig
	eventBus      event.EventCoordinator
	dockerManager docker.DockerManager
}

func New(config SiftConfig) *siftImpl {
	return &siftImpl{
		config:   config,
		eventBus: event.New(),
	}
}

// Run brings up all of Sift: embedded Docker services, the database
// connection and migrations, the validated processor registry, the
// startup reconciliation pass, and finally the long-running services.
// It does not return until Sift is stopped via context cancellation or
// an unrecoverable error.
func (sift *siftImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if sift.config.Services.EnablePostgres {
		manager, err := docker.NewDockerManager()
		if err != nil {
			return fmt.Errorf("failed to initialise docker manager: %w", err)
		}

		sift.dockerManager = manager
		defer sift.dockerManager.Shutdown(time.Second * 10)

		log.Infof("Initialising embedded database...\n")
		if _, err := database.InitialiseDockerDatabase(
			sift.dockerManager,
			sift.config.Database,
			func(err error) { crashHandler("docker-postgres", err) },
		); err != nil {
			return err
		}
	}

	log.Infof("Connecting to database...\n")
	db := database.New()
	if err := db.Connect(sift.config.Database); err != nil {
		return err
	}
	sqlxDb := db.GetSqlxDb()

	catalogStore := catalog.NewStore()
	broker := queue.NewBroker(
		time.Duration(sift.config.Queue.LeaseMinutes)*time.Minute,
		time.Duration(sift.config.Queue.RetryBaseSeconds)*time.Second,
		sift.config.Queue.MaxAttempts,
	)

	configs, err := catalogStore.ListProcessorConfigs(sqlxDb, true)
	if err != nil {
		return fmt.Errorf("failed to load processor bindings: %w", err)
	}

	registry, err := processor.FromConfigs(configs, builtin.Factories())
	if err != nil {
		return fmt.Errorf("processor registry rejected configuration: %w", err)
	}
	log.Infof("Processor registry validated with %d processor(s)\n", registry.Size())

	scratchRoot := sift.config.ScratchRoot
	if scratchRoot == "" {
		scratchRoot = builtin.DefaultScratchRoot
	}

	log.Infof("Reconciling catalog, queue and filesystem...\n")
	reconciler := pipeline.NewReconciler(sqlxDb, catalogStore, broker, sift.eventBus, scratchRoot)
	if _, err := reconciler.Reconcile(); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	coordinator := pipeline.NewCoordinator(sqlxDb, catalogStore, broker, registry, sift.eventBus)
	approvalGate := pipeline.NewApprovalGate(sqlxDb, catalogStore, broker, registry, sift.eventBus)
	queueService := queue.New(sift.config.Queue, sqlxDb, broker, catalogStore, registry, sift.eventBus)

	watcherService, err := watcher.New(sift.config.Watcher, sift.eventBus)
	if err != nil {
		return err
	}
	promptsWatcher := watcher.NewPromptsWatcher(sift.config.Watcher.PromptsPath)

	restGateway := api.NewRestGateway(&sift.config.RestConfig, sqlxDb, broker, catalogStore, approvalGate, queueService, sift.eventBus)

	wg := &sync.WaitGroup{}
	sift.spawnAsyncService(ctx, wg, coordinator, "coordinator", crashHandler)
	sift.spawnAsyncService(ctx, wg, queueService, "queue-service", crashHandler)
	sift.spawnAsyncService(ctx, wg, watcherService, "watcher-service", crashHandler)
	sift.spawnAsyncService(ctx, wg, promptsWatcher, "prompts-watcher", crashHandler)
	sift.spawnAsyncService(ctx, wg, restGateway, "rest-gateway", crashHandler)
	log.Infof("Sift services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService runs the service on its own goroutine, recovering
// panics into the crash handler so one faulty service tears Sift down
// cleanly rather than leaving it half-alive.
func (sift *siftImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Debugf("Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				crashHandler(serviceLabel, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crashHandler(serviceLabel, err)
		}
	}()
}
