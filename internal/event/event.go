// Package event provides the bus over which Sift's services communicate.
// Each service listens for the events which indicate work is ready for it,
// keeping the services themselves decoupled from one another.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/lwhitby/sift/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	// eventHandler guards its handler maps with a mutex: services register
	// from their own goroutines while others are already dispatching.
	eventHandler struct {
		mu           sync.Mutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}

	// FileEventPayload accompanies the file lifecycle events; Path is the
	// absolute path the filesystem watcher observed the event against.
	FileEventPayload struct {
		Path string
	}

	// ParseEventPayload accompanies parse lifecycle events, identifying
	// the (file, processor) edge the event concerns.
	ParseEventPayload struct {
		InputPath  string
		Processor  string
		OutputPath string
		Error      string
	}
)

const (
	FileAddedEvent   Event = "file:added"
	FileChangedEvent Event = "file:changed"
	FileRemovedEvent Event = "file:removed"

	ParseCompletedEvent Event = "parse:completed"
	ParseFailedEvent    Event = "parse:failed"
	ParseUpdateEvent    Event = "parse:update"

	QueueUpdateEvent    Event = "queue:update"
	ApprovalUpdateEvent Event = "approval:update"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recommended to buffer the handler
// channels appropriately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mu.Lock()
	defer handler.mu.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be stored
// and called with the payload for the event whenever it is dispatched.
// The handle provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
// The speed at which this handle runs is not important to the event bus, unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mu.Lock()
	defer handler.mu.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and dispatches the payload to the handlers
// registered for the event type provided.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v", event, err)
		return
	}

	// Snapshot under the lock, invoke outside it; a synchronous handler is
	// allowed to Dispatch further events.
	handler.mu.Lock()
	fnHandles := append([]handlerMethod(nil), handler.fnHandlers[event]...)
	chanHandles := append([]HandlerChannel(nil), handler.chanHandlers[event]...)
	handler.mu.Unlock()

	for _, handle := range fnHandles {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	if len(chanHandles) > 0 {
		payload := HandlerEvent{event, payload}
		for _, handle := range chanHandles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case FileAddedEvent, FileChangedEvent, FileRemovedEvent:
		if _, ok := payload.(FileEventPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected FileEventPayload", payloadTypeName, event)
		}

		return nil
	case ParseCompletedEvent, ParseFailedEvent, ParseUpdateEvent:
		if _, ok := payload.(ParseEventPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected ParseEventPayload", payloadTypeName, event)
		}

		return nil
	case QueueUpdateEvent, ApprovalUpdateEvent:
		// These events carry no mandatory payload
		return nil
	}

	return errors.New("event type not recognized for validation")
}
