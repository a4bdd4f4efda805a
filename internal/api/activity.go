package api

import (
	"github.com/jmoiron/sqlx"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/event"
	"github.com/lwhitby/sift/internal/http/websocket"
	"github.com/lwhitby/sift/internal/queue"
)

const (
	TitleQueueUpdate    = "QUEUE_UPDATE"
	TitleParseUpdate    = "PARSE_UPDATE"
	TitleApprovalUpdate = "APPROVAL_UPDATE"
)

type (
	ParseUpdate struct {
		InputPath  string `json:"input_path"`
		Processor  string `json:"processor"`
		OutputPath string `json:"output_path,omitempty"`
		Error      string `json:"error,omitempty"`
		Event      string `json:"event"`
	}

	QueueUpdate struct {
		JobCounts map[string]int `json:"job_counts"`
		Paused    bool           `json:"paused"`
	}

	// broadcaster relays pipeline events from the event bus onto the
	// activity websocket so connected clients track queue and parse
	// state live.
	broadcaster struct {
		socketHub *websocket.SocketHub
		db        *sqlx.DB
		broker    *queue.Broker
		catalog   *catalog.Store
		eventBus  event.EventCoordinator
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, db *sqlx.DB, broker *queue.Broker, catalogStore *catalog.Store, eventBus event.EventCoordinator) *broadcaster {
	hub := &broadcaster{socketHub: socketHub, db: db, broker: broker, catalog: catalogStore, eventBus: eventBus}

	socketHub.WithConnectionCallback(func() map[string]interface{} {
		update, err := hub.queueUpdate()
		if err != nil {
			return map[string]interface{}{}
		}

		return map[string]interface{}{"queue": update}
	})

	return hub
}

// listen registers the broadcasters event handlers. Handlers run async
// so a slow websocket write never blocks the dispatching service.
func (hub *broadcaster) listen() {
	hub.eventBus.RegisterAsyncHandlerFunction(event.QueueUpdateEvent, func(ev event.Event, _ event.Payload) {
		hub.broadcastQueueUpdate()
	})
	hub.eventBus.RegisterAsyncHandlerFunction(event.ApprovalUpdateEvent, func(ev event.Event, _ event.Payload) {
		hub.broadcast(TitleApprovalUpdate, struct{}{})
	})

	parseHandler := func(ev event.Event, payload event.Payload) {
		parse, ok := payload.(event.ParseEventPayload)
		if !ok {
			return
		}

		hub.broadcast(TitleParseUpdate, ParseUpdate{
			InputPath:  parse.InputPath,
			Processor:  parse.Processor,
			OutputPath: parse.OutputPath,
			Error:      parse.Error,
			Event:      string(ev),
		})
	}
	hub.eventBus.RegisterAsyncHandlerFunction(event.ParseUpdateEvent, parseHandler)
	hub.eventBus.RegisterAsyncHandlerFunction(event.ParseCompletedEvent, parseHandler)
	hub.eventBus.RegisterAsyncHandlerFunction(event.ParseFailedEvent, parseHandler)
}

func (hub *broadcaster) broadcastQueueUpdate() {
	update, err := hub.queueUpdate()
	if err != nil {
		log.Errorf("Failed to compose queue update broadcast: %v\n", err)
		return
	}

	hub.broadcast(TitleQueueUpdate, update)
}

func (hub *broadcaster) queueUpdate() (*QueueUpdate, error) {
	counts, err := hub.broker.JobCounts(hub.db)
	if err != nil {
		return nil, err
	}

	paused, err := hub.broker.IsPaused(hub.db)
	if err != nil {
		return nil, err
	}

	dtoCounts := make(map[string]int, len(counts))
	for state, count := range counts {
		dtoCounts[string(state)] = count
	}

	return &QueueUpdate{JobCounts: dtoCounts, Paused: paused}, nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}
