package approvals

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/pipeline"
	"github.com/lwhitby/sift/internal/processor"
)

type (
	PendingParseDto struct {
		FileID    int64     `json:"file_id"`
		Processor string    `json:"processor"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	PredictionDto struct {
		Processor     string  `json:"processor"`
		InputPath     string  `json:"input_path"`
		OutputPath    string  `json:"output_path"`
		EstimatedCost float64 `json:"estimated_cost"`
	}

	CostSummaryDto struct {
		PerFile map[int64]float64 `json:"per_file"`
		Total   float64           `json:"total"`
	}

	BatchDto struct {
		Id            uuid.UUID `json:"id"`
		Name          string    `json:"name"`
		EstimatedCost float64   `json:"estimated_cost"`
		Status        string    `json:"status"`
		CreatedAt     time.Time `json:"created_at"`
	}

	ApproveRequest struct {
		Name       string `json:"name"`
		Selections []struct {
			FileID    int64  `json:"file_id"`
			Processor string `json:"processor"`
		} `json:"selections"`
	}

	Controller struct {
		gate *pipeline.ApprovalGate
	}
)

func New(gate *pipeline.ApprovalGate) *Controller {
	return &Controller{gate: gate}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/pending/", controller.pending)
	eg.GET("/cost-summary/", controller.costSummary)
	eg.GET("/predicted/:fileId/", controller.predicted)
	eg.GET("/batches/", controller.batches)
	eg.POST("/approve/", controller.approve)
}

// pending lists every parse parked behind the approval gate.
func (controller *Controller) pending(ec echo.Context) error {
	parses, err := controller.gate.ListPending()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]PendingParseDto, len(parses))
	for k, v := range parses {
		dtos[k] = PendingParseDto{FileID: v.FileID, Processor: v.Processor, UpdatedAt: v.UpdatedAt}
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) costSummary(ec echo.Context) error {
	perFile, total, err := controller.gate.CostSummary()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, &CostSummaryDto{PerFile: perFile, Total: total})
}

// predicted forecasts the full cascade a file would undergo if its
// parked work were approved, including derivative chains.
func (controller *Controller) predicted(ec echo.Context) error {
	fileID, err := strconv.ParseInt(ec.Param("fileId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "File ID is not a valid integer")
	}

	predictions, err := controller.gate.PredictForFile(fileID)
	if errors.Is(err, catalog.ErrFileNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, predictionDtos(predictions))
}

func (controller *Controller) batches(ec echo.Context) error {
	batches, err := controller.gate.Batches()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*BatchDto, len(batches))
	for k, v := range batches {
		dtos[k] = NewBatchDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// approve releases the selected parked parses as a named batch.
// Selections not awaiting approval fail the whole request; nothing is
// partially approved.
func (controller *Controller) approve(ec echo.Context) error {
	var request ApproveRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	}
	if len(request.Selections) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body missing mandatory 'selections' field")
	}
	if request.Name == "" {
		request.Name = "approval " + time.Now().Format(time.RFC3339)
	}

	selections := make([]pipeline.ParseRef, len(request.Selections))
	for k, v := range request.Selections {
		selections[k] = pipeline.ParseRef{FileID: v.FileID, Processor: v.Processor}
	}

	batch, err := controller.gate.Approve(request.Name, selections)
	if errors.Is(err, pipeline.ErrNothingToApprove) || errors.Is(err, catalog.ErrParseNotFound) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusCreated, NewBatchDto(batch))
}

func predictionDtos(predictions []processor.Prediction) []PredictionDto {
	dtos := make([]PredictionDto, len(predictions))
	for k, v := range predictions {
		dtos[k] = PredictionDto{
			Processor:     v.Processor,
			InputPath:     v.InputPath,
			OutputPath:    v.OutputPath,
			EstimatedCost: v.EstimatedCost,
		}
	}

	return dtos
}

func NewBatchDto(batch *catalog.ApprovalBatch) *BatchDto {
	return &BatchDto{
		Id:            batch.ID,
		Name:          batch.Name,
		EstimatedCost: batch.EstimatedCost,
		Status:        string(batch.Status),
		CreatedAt:     batch.CreatedAt,
	}
}
