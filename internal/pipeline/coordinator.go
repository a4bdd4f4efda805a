// Package pipeline ties the watcher, catalog, registry and job queue
// together. The coordinator serializes every file and parse event
// through a single loop, so parse transitions for a path never race;
// the reconciler restores consistency between disk, catalog and queue
// after a restart; the approval gate parks ready work until a user
// approves it.
package pipeline

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/pkg/logger"
)

var log = logger.Get("Coordinator")

// Coordinator owns the pipeline event loop. All catalog mutations driven
// by filesystem or parse events happen here, one event at a time.
type Coordinator struct {
	db       *sqlx.DB
	catalog  *catalog.Store
	broker   *queue.Broker
	registry *processor.Registry
	eventBus event.EventCoordinator
}

func NewCoordinator(db *sqlx.DB, catalogStore *catalog.Store, broker *queue.Broker, registry *processor.Registry, eventBus event.EventCoordinator) *Coordinator {
	return &Coordinator{
		db:       db,
		catalog:  catalogStore,
		broker:   broker,
		registry: registry,
		eventBus: eventBus,
	}
}

// Run processes events until the context is cancelled. The handler
// channel is buffered so dispatchers are not blocked by a slow handler,
// but handling itself is strictly sequential.
func (coord *Coordinator) Run(ctx context.Context) error {
	eventChan := make(event.HandlerChannel, 100)
	coord.eventBus.RegisterHandlerChannel(eventChan,
		event.FileAddedEvent, event.FileChangedEvent, event.FileRemovedEvent,
		event.ParseCompletedEvent, event.ParseFailedEvent,
	)

	for {
		select {
		case msg := <-eventChan:
			coord.handle(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (coord *Coordinator) handle(msg event.HandlerEvent) {
	switch msg.Event {
	case event.FileAddedEvent:
		payload := msg.Payload.(event.FileEventPayload)
		coord.onFileAdded(payload.Path)
	case event.FileChangedEvent:
		payload := msg.Payload.(event.FileEventPayload)
		coord.onFileChanged(payload.Path)
	case event.FileRemovedEvent:
		payload := msg.Payload.(event.FileEventPayload)
		coord.onFileRemoved(payload.Path)
	case event.ParseCompletedEvent:
		payload := msg.Payload.(event.ParseEventPayload)
		coord.onParseCompleted(payload)
	case event.ParseFailedEvent:
		payload := msg.Payload.(event.ParseEventPayload)
		coord.onParseFailed(payload)
	default:
		log.Warnf("Unexpected event %s received, ignoring\n", msg.Event)
	}
}

// onFileAdded catalogs a newly observed file and evaluates it against
// the registry. An add for an already-catalogued, unchanged file is a
// no-op upsert followed by a lazy backfill evaluation, which covers both
// the derivative-completion race and processors registered since the
// file was last seen.
func (coord *Coordinator) onFileAdded(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	hash, err := catalog.HashFile(path)
	if err != nil {
		log.Errorf("Failed to hash added file %s: %v\n", path, err)
		return
	}

	if existing, err := coord.catalog.GetFileByPath(coord.db, path); err == nil && existing.ContentHash != hash {
		coord.onFileChanged(path)
		return
	}

	kind := catalog.Original
	if _, err := coord.catalog.GetParseByOutputPath(coord.db, path); err == nil {
		kind = catalog.Derivative
	}

	file, err := coord.catalog.UpsertFile(coord.db, path, hash, kind)
	if err != nil {
		log.Errorf("Failed to catalog added file %s: %v\n", path, err)
		return
	}

	log.Debugf("Catalogued %s\n", file)
	coord.evaluateFile(file)
}

// onFileChanged re-fingerprints the file. An unchanged hash is a no-op;
// a changed hash invalidates every parse recorded against the file and
// starts processing over.
func (coord *Coordinator) onFileChanged(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	file, err := coord.catalog.GetFileByPath(coord.db, path)
	if errors.Is(err, catalog.ErrFileNotFound) {
		coord.onFileAdded(path)
		return
	} else if err != nil {
		log.Errorf("Failed to look up changed file %s: %v\n", path, err)
		return
	}

	hash, err := catalog.HashFile(path)
	if err != nil {
		log.Errorf("Failed to hash changed file %s: %v\n", path, err)
		return
	}

	if hash == file.ContentHash {
		return
	}

	log.Infof("Content of %s changed, invalidating previous parses\n", path)
	err = database.WrapTx(coord.db, func(tx *sqlx.Tx) error {
		if _, err := coord.catalog.DeleteParsesForFile(tx, file.ID); err != nil {
			return err
		}
		if _, err := coord.broker.RemoveJobsForInputPath(tx, path); err != nil {
			return err
		}

		updated, err := coord.catalog.UpsertFile(tx, path, hash, file.Kind)
		if err != nil {
			return err
		}

		file = updated
		return nil
	})
	if err != nil {
		log.Errorf("Failed to invalidate parses for changed file %s: %v\n", path, err)
		return
	}

	coord.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	coord.evaluateFile(file)
}

// onFileRemoved handles unlinks. A removed derivative flips its
// producing parses back to pending so the work re-runs; a removed
// catalogued file is purged along with its queued jobs.
func (coord *Coordinator) onFileRemoved(path string) {
	reset, err := coord.catalog.ResetParsesByOutputPath(coord.db, path)
	if err != nil {
		log.Errorf("Failed deletion recovery for %s: %v\n", path, err)
	}

	for _, parse := range reset {
		file, err := coord.catalog.GetFileByID(coord.db, parse.FileID)
		if err != nil {
			log.Errorf("Parse %s references missing file: %v\n", parse, err)
			continue
		}

		log.Infof("Output %s removed, re-queueing %s\n", path, parse)
		coord.dispatchParse(file, parse.Processor)
	}

	if file, err := coord.catalog.GetFileByPath(coord.db, path); err == nil {
		err := database.WrapTx(coord.db, func(tx *sqlx.Tx) error {
			if err := coord.catalog.DeleteFile(tx, file.ID); err != nil {
				return err
			}

			_, err := coord.broker.RemoveJobsForInputPath(tx, path)
			return err
		})
		if err != nil {
			log.Errorf("Failed to purge removed file %s: %v\n", path, err)
			return
		}

		log.Infof("Removed %s from catalog\n", file)
		coord.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	}
}

// onParseCompleted records the terminal done state and computes the
// cascade: the derivative is catalogued immediately (so a subsequent
// watcher add of it is a harmless no-op) and both the input file and the
// new derivative are re-evaluated for follow-on processors.
func (coord *Coordinator) onParseCompleted(payload event.ParseEventPayload) {
	file, err := coord.catalog.GetFileByPath(coord.db, payload.InputPath)
	if err != nil {
		log.Errorf("Parse completion for unknown file %s: %v\n", payload.InputPath, err)
		return
	}

	parse, err := coord.catalog.CompleteParse(coord.db, file.ID, payload.Processor, payload.OutputPath)
	if err != nil {
		log.Errorf("Failed to record completion of %s for %s: %v\n", payload.Processor, payload.InputPath, err)
		return
	}
	if parse.ApprovalBatchID != nil {
		coord.settleApprovalBatch(*parse.ApprovalBatchID)
	}

	var derivative *catalog.File
	if hash, err := catalog.HashFile(payload.OutputPath); err == nil {
		derivative, err = coord.catalog.UpsertFile(coord.db, payload.OutputPath, hash, catalog.Derivative)
		if err != nil {
			log.Errorf("Failed to catalog derivative %s: %v\n", payload.OutputPath, err)
		}
	} else {
		log.Errorf("Failed to hash derivative %s: %v\n", payload.OutputPath, err)
	}

	coord.evaluateFile(file)
	if derivative != nil {
		coord.evaluateFile(derivative)
	}
}

// onParseFailed records the error. No cascade; dependents of the failed
// processor stay unqueued.
func (coord *Coordinator) onParseFailed(payload event.ParseEventPayload) {
	file, err := coord.catalog.GetFileByPath(coord.db, payload.InputPath)
	if err != nil {
		log.Errorf("Parse failure for unknown file %s: %v\n", payload.InputPath, err)
		return
	}

	parse, err := coord.catalog.FailParse(coord.db, file.ID, payload.Processor, payload.Error)
	if err != nil {
		log.Errorf("Failed to record failure of %s for %s: %v\n", payload.Processor, payload.InputPath, err)
		return
	}
	if parse.ApprovalBatchID != nil {
		coord.settleApprovalBatch(*parse.ApprovalBatchID)
	}
}

// settleApprovalBatch advances a batch to its terminal status once every
// parse released by it has finished. A batch with any failed parse
// settles as failed.
func (coord *Coordinator) settleApprovalBatch(batchID uuid.UUID) {
	parses, err := coord.catalog.ListParsesInBatch(coord.db, batchID)
	if err != nil {
		log.Errorf("Failed to list parses in batch %s: %v\n", batchID, err)
		return
	}

	anyFailed := false
	for _, parse := range parses {
		switch parse.Status {
		case catalog.Done:
		case catalog.Failed:
			anyFailed = true
		default:
			return
		}
	}

	status := catalog.BatchCompleted
	if anyFailed {
		status = catalog.BatchFailed
	}

	if err := coord.catalog.SetBatchStatus(coord.db, batchID, status); err != nil {
		log.Errorf("Failed to settle batch %s as %s: %v\n", batchID, status, err)
		return
	}

	log.Infof("Approval batch %s settled as %s\n", batchID, status)
	coord.eventBus.Dispatch(event.ApprovalUpdateEvent, nil)
}

// evaluateFile computes which processors the file is ready for and
// dispatches each one which has no parse row yet. Existing rows in any
// state are left alone: in-flight work continues, failures wait for an
// explicit retry.
func (coord *Coordinator) evaluateFile(file *catalog.File) {
	tags, err := coord.catalog.ListFileTags(coord.db, file.ID)
	if err != nil {
		log.Errorf("Failed to list tags for %s: %v\n", file, err)
		return
	}

	parses, err := coord.catalog.ListParsesForFile(coord.db, file.ID)
	if err != nil {
		log.Errorf("Failed to list parses for %s: %v\n", file, err)
		return
	}

	existing := make(map[string]catalog.ParseStatus, len(parses))
	var completed []string
	for _, parse := range parses {
		existing[parse.Processor] = parse.Status
		if parse.Status == catalog.Done {
			completed = append(completed, parse.Processor)
		}
	}

	for _, descriptor := range processor.Ready(coord.registry, file.Path, file.Kind, catalog.TagKeys(tags), completed) {
		if _, seen := existing[descriptor.Name]; seen {
			continue
		}

		coord.dispatchParse(file, descriptor.Name)
	}
}

// dispatchParse creates the pending parse and its job, or parks the
// parse awaiting approval depending on the queue mode.
func (coord *Coordinator) dispatchParse(file *catalog.File, processorName string) {
	mode, err := coord.catalog.QueueMode(coord.db)
	if err != nil {
		log.Errorf("Failed to read queue mode: %v\n", err)
		return
	}

	if mode == catalog.QueueModeApproval {
		if _, err := coord.catalog.UpsertParse(coord.db, file.ID, processorName, catalog.PendingApproval); err != nil {
			log.Errorf("Failed to park parse for approval (%s on %s): %v\n", processorName, file.Path, err)
			return
		}

		log.Infof("Parked %s on %s awaiting approval\n", processorName, file.Path)
		coord.eventBus.Dispatch(event.ApprovalUpdateEvent, nil)
		return
	}

	err = database.WrapTx(coord.db, func(tx *sqlx.Tx) error {
		if _, err := coord.catalog.UpsertParse(tx, file.ID, processorName, catalog.Pending); err != nil {
			return err
		}

		_, err := coord.broker.Enqueue(tx, processorName, file.Path, nil)
		return err
	})
	if err != nil {
		log.Errorf("Failed to enqueue %s on %s: %v\n", processorName, file.Path, err)
		return
	}

	log.Infof("Queued %s on %s\n", processorName, file.Path)
	coord.eventBus.Dispatch(event.QueueUpdateEvent, nil)
}
