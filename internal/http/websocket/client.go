package websocket

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socketClient wraps a single upgraded connection. Writes are serialized
// through the mutex because gorilla connections permit only one
// concurrent writer.
type socketClient struct {
	id      *uuid.UUID
	socket  *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// SendMessage marshals the message as JSON and writes it to the socket.
func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	if client.closed {
		return fmt.Errorf("client %v is closed", client.id)
	}

	return client.socket.WriteJSON(message)
}

// Read pumps inbound messages onto the provided channel until the
// connection errors or closes. Each message is stamped with this
// client's id as its origin.
func (client *socketClient) Read(receiveCh chan *SocketMessage) error {
	for {
		var message SocketMessage
		if err := client.socket.ReadJSON(&message); err != nil {
			return err
		}

		message.Origin = client.id
		receiveCh <- &message
	}
}

// Close shuts the underlying socket. Safe to call more than once.
func (client *socketClient) Close() {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	if client.closed {
		return
	}

	client.closed = true
	client.socket.Close()
}
