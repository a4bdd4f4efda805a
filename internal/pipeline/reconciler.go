package pipeline

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/pkg/logger"
)

var reconcileLog = logger.Get("Reconciler")

const interruptedMessage = "process interrupted during restart"

// Reconciler restores mutual consistency between the filesystem, the
// catalog and the job queue. It runs at startup, before the watcher and
// workers begin, and may be re-run at any time: every rule only acts on
// rows that are already inconsistent, so a second pass is a no-op.
type Reconciler struct {
	db          *sqlx.DB
	catalog     *catalog.Store
	broker      *queue.Broker
	eventBus    event.EventCoordinator
	scratchRoot string
}

func NewReconciler(db *sqlx.DB, catalogStore *catalog.Store, broker *queue.Broker, eventBus event.EventCoordinator, scratchRoot string) *Reconciler {
	return &Reconciler{
		db:          db,
		catalog:     catalogStore,
		broker:      broker,
		eventBus:    eventBus,
		scratchRoot: scratchRoot,
	}
}

// Reconcile applies all rules and reports whether anything was repaired.
func (rec *Reconciler) Reconcile() (bool, error) {
	changed := false

	repaired, err := rec.purgeMissingFiles()
	if err != nil {
		return changed, err
	}
	changed = changed || repaired

	repaired, err = rec.failInterruptedParses()
	if err != nil {
		return changed, err
	}
	changed = changed || repaired

	repaired, err = rec.dropOrphanedJobs()
	if err != nil {
		return changed, err
	}
	changed = changed || repaired

	rec.sweepScratchDirs()

	if changed {
		rec.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	}

	return changed, nil
}

// purgeMissingFiles deletes catalog rows (and their queued jobs) for
// files which no longer exist on disk.
func (rec *Reconciler) purgeMissingFiles() (bool, error) {
	files, err := rec.catalog.ListFiles(rec.db)
	if err != nil {
		return false, err
	}

	changed := false
	for _, file := range files {
		if _, err := os.Stat(file.Path); err == nil {
			continue
		}

		reconcileLog.Warnf("Catalogued file %s is missing from disk, purging\n", file.Path)
		err := database.WrapTx(rec.db, func(tx *sqlx.Tx) error {
			if err := rec.catalog.DeleteFile(tx, file.ID); err != nil {
				return err
			}

			_, err := rec.broker.RemoveJobsForInputPath(tx, file.Path)
			return err
		})
		if err != nil {
			return changed, err
		}

		changed = true
	}

	return changed, nil
}

// failInterruptedParses fails pending/processing parses which have no
// live broker job backing them. These are parses whose job was consumed
// (or never written) before a crash; without intervention they would
// hang forever.
func (rec *Reconciler) failInterruptedParses() (bool, error) {
	parses, err := rec.catalog.ListParsesByStatus(rec.db, catalog.Pending, catalog.Processing)
	if err != nil {
		return false, err
	}

	changed := false
	for _, parse := range parses {
		file, err := rec.catalog.GetFileByID(rec.db, parse.FileID)
		if err != nil {
			continue
		}

		jobs, err := rec.broker.ListJobsForInputPath(rec.db, file.Path)
		if err != nil {
			return changed, err
		}

		live := false
		for _, job := range jobs {
			if job.Processor == parse.Processor && (job.State == queue.Waiting || job.State == queue.Active) {
				live = true
				break
			}
		}

		if live {
			continue
		}

		reconcileLog.Warnf("Parse %s has no live job, marking failed\n", parse)
		if _, err := rec.catalog.FailParse(rec.db, parse.FileID, parse.Processor, interruptedMessage); err != nil {
			return changed, err
		}

		changed = true
	}

	return changed, nil
}

// dropOrphanedJobs removes queued jobs whose input path is not in the
// catalog.
func (rec *Reconciler) dropOrphanedJobs() (bool, error) {
	jobs, err := rec.broker.ListJobs(rec.db, queue.Waiting, queue.Active)
	if err != nil {
		return false, err
	}

	changed := false
	for _, job := range jobs {
		if _, err := rec.catalog.GetFileByPath(rec.db, job.InputPath); err == nil {
			continue
		} else if !errors.Is(err, catalog.ErrFileNotFound) {
			return changed, err
		}

		reconcileLog.Warnf("Job %s references uncatalogued input %s, dropping\n", job.ID, job.InputPath)
		if err := rec.broker.RemoveJob(rec.db, job.ID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return changed, err
		}

		changed = true
	}

	return changed, nil
}

// sweepScratchDirs removes leftover per-run scratch directories. Nothing
// is running when the reconciler executes, so anything under the scratch
// root was orphaned by a crash. Failures are logged, not fatal.
func (rec *Reconciler) sweepScratchDirs() {
	if rec.scratchRoot == "" {
		return
	}

	entries, err := os.ReadDir(rec.scratchRoot)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			reconcileLog.Warnf("Failed to read scratch root %s: %v\n", rec.scratchRoot, err)
		}
		return
	}

	for _, entry := range entries {
		path := filepath.Join(rec.scratchRoot, entry.Name())
		reconcileLog.Debugf("Sweeping orphaned scratch dir %s\n", path)
		if err := os.RemoveAll(path); err != nil {
			reconcileLog.Warnf("Failed to remove scratch dir %s: %v\n", path, err)
		}
	}
}
