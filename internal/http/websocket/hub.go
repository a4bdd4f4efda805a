// Package websocket implements the hub behind the activity socket: it
// upgrades HTTP requests, tracks connected clients, and broadcasts or
// targets messages at them. Inbound command messages are routed to bound
// handlers.
package websocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lwhitby/sift/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

type SocketHandler func(*SocketHub, *SocketMessage) error

// SocketHub owns all connected activity socket clients. All client list
// mutation happens on the Start goroutine via the register/deregister
// channels.
type SocketHub struct {
	handlers           map[string]SocketHandler
	upgrader           *websocket.Upgrader
	clients            []*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	receiveCh          chan *SocketMessage
	connectionCallback func() map[string]interface{}
	running            bool
}

func New() *SocketHub {
	return &SocketHub{
		handlers: make(map[string]SocketHandler),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WithConnectionCallback sets a callback whose result is sent to every
// newly connected client, furnishing it with current state without
// waiting for the next update broadcast.
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]interface{}) {
	hub.connectionCallback = callback
}

// BindCommand routes inbound messages with the given title to a handler.
func (hub *SocketHub) BindCommand(command string, handler SocketHandler) *SocketHub {
	hub.handlers[command] = handler
	return hub
}

// Start runs the hub loop until the context is cancelled.
func (hub *SocketHub) Start(ctx context.Context) {
	if hub.running {
		socketLogger.Warnf("Attempting to start socket hub when already running, ignoring\n")
		return
	}

	hub.sendCh = make(chan *SocketMessage)
	hub.receiveCh = make(chan *SocketMessage)
	hub.registerCh = make(chan *socketClient)
	hub.deregisterCh = make(chan *socketClient)
	hub.clients = make([]*socketClient, 0)
	hub.running = true

	socketLogger.Infof("Socket hub open\n")
	defer hub.close()

	for {
		select {
		case message := <-hub.sendCh:
			if message.Target != nil {
				if _, client := hub.findClient(message.Target); client != nil {
					if err := client.SendMessage(message); err != nil {
						socketLogger.Errorf("Failed to send message to client {%v}: %v\n", message.Target, err)
					}
				}

				break
			}

			hub.broadcastMessage(message)
		case message := <-hub.receiveCh:
			go hub.handleMessage(message)
		case client := <-hub.registerCh:
			if idx, _ := hub.findClient(client.id); idx > -1 {
				socketLogger.Errorf("Refusing to register duplicate client {%v}\n", client.id)
				client.Close()
				break
			}

			hub.clients = append(hub.clients, client)
			socketLogger.Debugf("Registered client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				socketLogger.Debugf("Deregistered client {%v}\n", client.id)
			}
		case <-ctx.Done():
			socketLogger.Infof("Shutting down socket hub, closing all clients\n")
			return
		}
	}
}

// Send queues a message for delivery; broadcast unless Target is set.
// Ignored if the hub is not running.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running {
		return
	}

	hub.sendCh <- message
}

// UpgradeToSocket upgrades the HTTP request to a websocket, registers
// the client, sends the welcome payload and blocks in the client read
// loop until disconnection.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running {
		socketLogger.Errorf("Cannot upgrade request, socket hub is not running\n")
		return
	}

	id := uuid.New()
	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Errorf("Failed to upgrade request to websocket: %v\n", err)
		return
	}

	client := &socketClient{id: &id, socket: sock}
	hub.registerCh <- client

	body := map[string]interface{}{}
	if hub.connectionCallback != nil {
		body = hub.connectionCallback()
	}
	body["client"] = id

	hub.Send(&SocketMessage{
		Title:  "CONNECTION_ESTABLISHED",
		Body:   body,
		Target: &id,
		Type:   Welcome,
	})

	defer func() {
		hub.deregisterCh <- client
		client.Close()
	}()

	if err := client.Read(hub.receiveCh); err != nil {
		socketLogger.Debugf("Client {%v} closed: %v\n", client.id, err)
	}
}

func (hub *SocketHub) close() {
	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	hub.running = false
}

func (hub *SocketHub) handleMessage(command *SocketMessage) {
	if command.Type != Command {
		socketLogger.Warnf("Dropping message from client {%v}: only commands may be sent to the server\n", command.Origin)
		return
	}

	replyWithError := func(err string) {
		hub.Send(command.FormReply("COMMAND_FAILURE", map[string]interface{}{"error": err}, ErrorResponse))
	}

	if handler, ok := hub.handlers[command.Title]; ok {
		if err := handler(hub, command); err != nil {
			socketLogger.Errorf("Handler for command '%v' returned error: %v\n", command.Title, err)
			replyWithError(err.Error())
		}

		return
	}

	replyWithError("Unknown command")
}

func (hub *SocketHub) findClient(id *uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx, client
		}
	}

	return -1, nil
}

func (hub *SocketHub) broadcastMessage(message *SocketMessage) {
	for _, client := range hub.clients {
		if err := client.SendMessage(message); err != nil {
			socketLogger.Errorf("Failed to broadcast to client {%v}: %v\n", client.id, err)
		}
	}
}
