package status

import (
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/queue"
)

type (
	// StatusDto summarises the pipeline for dashboards: queue depth by
	// state, whether dequeuing is paused, and the current queue mode.
	StatusDto struct {
		Paused    bool           `json:"paused"`
		QueueMode string         `json:"queue_mode"`
		JobCounts map[string]int `json:"job_counts"`
	}

	QueueModeRequest struct {
		Mode string `json:"mode"`
	}

	Controller struct {
		db       *sqlx.DB
		broker   *queue.Broker
		catalog  *catalog.Store
		eventBus event.EventCoordinator
	}
)

func New(db *sqlx.DB, broker *queue.Broker, catalogStore *catalog.Store, eventBus event.EventCoordinator) *Controller {
	return &Controller{db: db, broker: broker, catalog: catalogStore, eventBus: eventBus}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.get)
	eg.POST("/pause/", controller.pause)
	eg.POST("/resume/", controller.resume)
	eg.POST("/clear-completed/", controller.clearCompleted)
	eg.GET("/queue-mode/", controller.getQueueMode)
	eg.PUT("/queue-mode/", controller.setQueueMode)
}

func (controller *Controller) get(ec echo.Context) error {
	paused, err := controller.broker.IsPaused(controller.db)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	mode, err := controller.catalog.QueueMode(controller.db)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	counts, err := controller.broker.JobCounts(controller.db)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtoCounts := make(map[string]int, len(counts))
	for state, count := range counts {
		dtoCounts[string(state)] = count
	}

	return ec.JSON(http.StatusOK, &StatusDto{Paused: paused, QueueMode: mode, JobCounts: dtoCounts})
}

// pause stops workers from claiming new jobs. In-flight jobs run to
// completion.
func (controller *Controller) pause(ec echo.Context) error {
	if err := controller.broker.Pause(controller.db); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	controller.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) resume(ec echo.Context) error {
	if err := controller.broker.Resume(controller.db); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	controller.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) clearCompleted(ec echo.Context) error {
	removed, err := controller.broker.ClearFinished(controller.db)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	controller.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	return ec.JSON(http.StatusOK, map[string]int64{"removed": removed})
}

func (controller *Controller) getQueueMode(ec echo.Context) error {
	mode, err := controller.catalog.QueueMode(controller.db)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, &QueueModeRequest{Mode: mode})
}

// setQueueMode switches between automatic enqueueing and the approval
// gate. Only newly ready parses are affected; parked parses stay parked
// until approved.
func (controller *Controller) setQueueMode(ec echo.Context) error {
	var request QueueModeRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	}

	if request.Mode != catalog.QueueModeAuto && request.Mode != catalog.QueueModeApproval {
		return echo.NewHTTPError(http.StatusBadRequest, "Queue mode must be 'auto' or 'approval'")
	}

	if err := controller.catalog.SetSetting(controller.db, catalog.SettingQueueMode, request.Mode); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}
