package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/database"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/processor"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/pkg/logger"
)

var ErrNothingToApprove = errors.New("no selected parse is awaiting approval")

var approvalLog = logger.Get("Approvals")

type (
	// ParseRef identifies a single parse edge in approval requests.
	ParseRef struct {
		FileID    int64
		Processor string
	}

	// ApprovalGate manages parses parked in pending_approval when the
	// queue mode diverts new work away from the broker.
	ApprovalGate struct {
		db       *sqlx.DB
		catalog  *catalog.Store
		broker   *queue.Broker
		registry *processor.Registry
		eventBus event.EventCoordinator
	}
)

func NewApprovalGate(db *sqlx.DB, catalogStore *catalog.Store, broker *queue.Broker, registry *processor.Registry, eventBus event.EventCoordinator) *ApprovalGate {
	return &ApprovalGate{
		db:       db,
		catalog:  catalogStore,
		broker:   broker,
		registry: registry,
		eventBus: eventBus,
	}
}

// ListPending returns every parse currently awaiting approval.
func (gate *ApprovalGate) ListPending() ([]catalog.Parse, error) {
	return gate.catalog.ListParsesByStatus(gate.db, catalog.PendingApproval)
}

// PredictForFile forecasts the full processing cascade the file would
// undergo if all its parked work were approved, including derivatives of
// derivatives.
func (gate *ApprovalGate) PredictForFile(fileID int64) ([]processor.Prediction, error) {
	file, err := gate.catalog.GetFileByID(gate.db, fileID)
	if err != nil {
		return nil, err
	}

	tags, err := gate.catalog.ListFileTags(gate.db, fileID)
	if err != nil {
		return nil, err
	}

	parses, err := gate.catalog.ListParsesForFile(gate.db, fileID)
	if err != nil {
		return nil, err
	}

	var completed []string
	for _, parse := range parses {
		if parse.Status == catalog.Done {
			completed = append(completed, parse.Processor)
		}
	}

	return processor.PredictChain(gate.registry, file.Path, file.Kind, catalog.TagKeys(tags), completed), nil
}

// CostSummary totals the forecast cost of all parked work, grouped by
// the file it would run against.
func (gate *ApprovalGate) CostSummary() (map[int64]float64, float64, error) {
	pending, err := gate.ListPending()
	if err != nil {
		return nil, 0, err
	}

	perFile := make(map[int64]float64)
	total := 0.0
	for _, parse := range pending {
		if _, seen := perFile[parse.FileID]; seen {
			continue
		}

		predictions, err := gate.PredictForFile(parse.FileID)
		if err != nil {
			return nil, 0, err
		}

		cost := processor.TotalCost(predictions)
		perFile[parse.FileID] = cost
		total += cost
	}

	return perFile, total, nil
}

// Approve releases the selected parked parses: in a single transaction
// it creates the batch, attaches the selections, flips them to pending
// and enqueues a job for each. Unselected parses stay parked.
func (gate *ApprovalGate) Approve(name string, selections []ParseRef) (*catalog.ApprovalBatch, error) {
	if len(selections) == 0 {
		return nil, ErrNothingToApprove
	}

	estimatedCost, err := gate.estimateSelectionCost(selections)
	if err != nil {
		return nil, err
	}

	var batch *catalog.ApprovalBatch
	err = database.WrapTx(gate.db, func(tx *sqlx.Tx) error {
		created, err := gate.catalog.CreateApprovalBatch(tx, name, estimatedCost)
		if err != nil {
			return err
		}

		for _, ref := range selections {
			if err := gate.catalog.AssignParseToBatch(tx, created.ID, ref.FileID, ref.Processor); err != nil {
				return fmt.Errorf("cannot approve parse (file=%d, processor=%s): %w", ref.FileID, ref.Processor, err)
			}
		}

		approved, err := gate.catalog.ApproveParsesInBatch(tx, created.ID)
		if err != nil {
			return err
		}
		if len(approved) == 0 {
			return ErrNothingToApprove
		}

		for _, parse := range approved {
			file, err := gate.catalog.GetFileByID(tx, parse.FileID)
			if err != nil {
				return err
			}

			cost := gate.estimateParseCost(parse.Processor, file.Path)
			if _, err := gate.broker.Enqueue(tx, parse.Processor, file.Path, &cost); err != nil {
				return err
			}
		}

		if err := gate.catalog.SetBatchStatus(tx, created.ID, catalog.BatchProcessing); err != nil {
			return err
		}

		created.Status = catalog.BatchProcessing
		batch = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	approvalLog.Infof("Approved batch %s (%s) releasing %d parse(s)\n", batch.ID, name, len(selections))
	gate.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	gate.eventBus.Dispatch(event.ApprovalUpdateEvent, nil)
	return batch, nil
}

// Batches lists approval batches, optionally filtered by status.
func (gate *ApprovalGate) Batches(statuses ...catalog.BatchStatus) ([]*catalog.ApprovalBatch, error) {
	return gate.catalog.ListApprovalBatches(gate.db, statuses...)
}

func (gate *ApprovalGate) estimateSelectionCost(selections []ParseRef) (float64, error) {
	total := 0.0
	for _, ref := range selections {
		file, err := gate.catalog.GetFileByID(gate.db, ref.FileID)
		if err != nil {
			return 0, err
		}

		total += gate.estimateParseCost(ref.Processor, file.Path)
	}

	return total, nil
}

func (gate *ApprovalGate) estimateParseCost(processorName string, path string) float64 {
	descriptor, err := gate.registry.Get(processorName)
	if err != nil || descriptor.Runner == nil {
		return 0
	}

	return descriptor.Runner.EstimateCost(path)
}

// BatchByID fetches a single batch.
func (gate *ApprovalGate) BatchByID(id uuid.UUID) (*catalog.ApprovalBatch, error) {
	return gate.catalog.GetApprovalBatch(gate.db, id)
}
