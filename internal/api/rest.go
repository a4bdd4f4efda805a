package api

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lwhitby/sift/internal/api/approvals"
	"github.com/lwhitby/sift/internal/api/files"
	"github.com/lwhitby/sift/internal/api/jobs"
	"github.com/lwhitby/sift/internal/api/processors"
	"github.com/lwhitby/sift/internal/api/status"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/http/websocket"
	"github.com/lwhitby/sift/internal/pipeline"
	"github.com/lwhitby/sift/internal/queue"
	"github.com/lwhitby/sift/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// RestGateway is a thin wrapper around the Echo router. It creates
	// the routes Sift exposes and owns the activity websocket hub over
	// which pipeline updates are broadcast.
	RestGateway struct {
		*broadcaster
		config               *RestConfig
		ec                   *echo.Echo
		socket               *websocket.SocketHub
		statusController     controller
		jobsController       controller
		filesController      controller
		processorsController controller
		approvalsController  controller
	}
)

// NewRestGateway constructs the Echo router and populates it with the
// routes defined by the controllers.
func NewRestGateway(
	config *RestConfig,
	db *sqlx.DB,
	broker *queue.Broker,
	catalogStore *catalog.Store,
	approvalGate *pipeline.ApprovalGate,
	canceller jobs.Canceller,
	eventBus event.EventCoordinator,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Debugf("Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:          newBroadcaster(socket, db, broker, catalogStore, eventBus),
		config:               config,
		ec:                   ec,
		socket:               socket,
		statusController:     status.New(db, broker, catalogStore, eventBus),
		jobsController:       jobs.New(db, broker, canceller, eventBus),
		filesController:      files.New(db, catalogStore),
		processorsController: processors.New(db, catalogStore, validate),
		approvalsController:  approvals.New(approvalGate),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/sift/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	gateway.statusController.SetRoutes(ec.Group("/api/sift/v1/status"))
	gateway.jobsController.SetRoutes(ec.Group("/api/sift/v1/jobs"))
	gateway.filesController.SetRoutes(ec.Group("/api/sift/v1/files"))
	gateway.processorsController.SetRoutes(ec.Group("/api/sift/v1/processor-configs"))
	gateway.approvalsController.SetRoutes(ec.Group("/api/sift/v1/approvals"))

	return gateway
}

// Run starts the router and websocket hub, blocking until the context is
// cancelled or the server fails.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	gateway.broadcaster.listen()

	wg.Wait()

	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
