package jobs

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/queue"
)

type (
	// JobDto is the API representation of a queued job.
	JobDto struct {
		Id            uuid.UUID  `json:"id"`
		Processor     string     `json:"processor"`
		InputPath     string     `json:"input_path"`
		State         string     `json:"state"`
		Attempts      int        `json:"attempts"`
		MaxAttempts   int        `json:"max_attempts"`
		EstimatedCost *float64   `json:"estimated_cost"`
		Error         *string    `json:"error"`
		RunAfter      time.Time  `json:"run_after"`
		LeaseExpires  *time.Time `json:"lease_expires_at"`
		CreatedAt     time.Time  `json:"created_at"`
	}

	// Canceller cancels a job's in-flight execution, if any.
	Canceller interface {
		CancelJob(uuid.UUID) bool
	}

	Controller struct {
		db        *sqlx.DB
		broker    *queue.Broker
		canceller Canceller
		eventBus  event.EventDispatcher
	}
)

func New(db *sqlx.DB, broker *queue.Broker, canceller Canceller, eventBus event.EventDispatcher) *Controller {
	return &Controller{db: db, broker: broker, canceller: canceller, eventBus: eventBus}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.POST("/:id/retry/", controller.retry)
	eg.DELETE("/:id/", controller.delete)
}

// list returns queued jobs, optionally filtered by the repeated 'state'
// query parameter.
func (controller *Controller) list(ec echo.Context) error {
	var states []queue.JobState
	for _, raw := range ec.QueryParams()["state"] {
		state := queue.JobState(raw)
		switch state {
		case queue.Waiting, queue.Active, queue.Completed, queue.JobFailed:
			states = append(states, state)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "Unknown job state "+raw)
		}
	}

	jobs, err := controller.broker.ListJobs(controller.db, states...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*JobDto, len(jobs))
	for k, v := range jobs {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	job, err := controller.broker.GetJob(controller.db, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.JSON(http.StatusOK, NewDto(job))
}

// retry returns a terminally failed job to the queue with a fresh
// attempt budget.
func (controller *Controller) retry(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	job, err := controller.broker.RetryJob(controller.db, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "No failed job with that ID exists")
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Wake the workers; otherwise the retried job waits for the next
	// poll tick.
	controller.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	return ec.JSON(http.StatusOK, NewDto(job))
}

// delete cancels a job. A queued job is removed from the broker
// outright; a job running on this instance has its cancellation token
// signalled instead, and the worker settles the job and its parse as
// failed with reason "cancelled".
func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	if controller.canceller != nil && controller.canceller.CancelJob(id) {
		return ec.NoContent(http.StatusOK)
	}

	if err := controller.broker.RemoveJob(controller.db, id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	controller.eventBus.Dispatch(event.QueueUpdateEvent, nil)
	return ec.NoContent(http.StatusOK)
}

// NewDto converts a queue job to its API representation.
func NewDto(job *queue.Job) *JobDto {
	return &JobDto{
		Id:            job.ID,
		Processor:     job.Processor,
		InputPath:     job.InputPath,
		State:         string(job.State),
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		EstimatedCost: job.EstimatedCost,
		Error:         job.Error,
		RunAfter:      job.RunAfter,
		LeaseExpires:  job.LeaseExpiresAt,
		CreatedAt:     job.CreatedAt,
	}
}
