package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	// done is closed once the hub drops the client; Send is never closed.
	done chan struct{}
}

// NewClient creates a client subscribed to jobID.
func NewClient(jobID string, conn *websocket.Conn) *Client {
	return &Client{
		JobID: jobID,
		Conn:  conn,
		Send:  make(chan []byte, 256),
		done:  make(chan struct{}),
	}
}

// Done is closed when the hub has dropped the client.
func (c *Client) Done() <-chan struct{} { return c.done }

// Hub maintains active WebSocket connections and fans job updates out to
// the subscribers of each job.
type Hub struct {
	// Clients grouped by job ID, owned by Run
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stopped    chan struct{}

	logger *zap.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.done)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			close(h.stopped)
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.logger.Debug("client registered", zap.String(logging.FieldJobID, client.JobID))

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("client unregistered", zap.String(logging.FieldJobID, client.JobID))

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.done)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		close(client.done)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// JobUpdated pushes a status message for every transition, followed by the
// artifact URLs on completion or the error on failure.
func (h *Hub) JobUpdated(job *model.Job) {
	h.send(job.ID, model.WSStatusMessage{
		Type:   model.WSMessageTypeStatus,
		JobID:  job.ID,
		Status: job.Status,
	})

	switch job.Status {
	case model.JobStatusCompleted:
		h.send(job.ID, model.WSCompleteMessage{
			Type:         model.WSMessageTypeComplete,
			JobID:        job.ID,
			ArtifactURLs: job.ArtifactURLs,
		})
	case model.JobStatusFailed:
		var code, message string
		if job.ErrorCode != nil {
			code = *job.ErrorCode
		}
		if job.Error != nil {
			message = *job.Error
		}
		h.send(job.ID, model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{Code: code, Message: message},
		})
	}
}

// send never blocks the caller: updates are dropped when the hub is backed up.
func (h *Hub) send(jobID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping update", zap.String(logging.FieldJobID, jobID))
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := NewClient(jobID, c)

	h.Register(client)
	defer h.Unregister(client)

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.done:
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.String(logging.FieldJobID, jobID), zap.Error(err))
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			case <-client.done:
			default:
			}
		}
	}
}
