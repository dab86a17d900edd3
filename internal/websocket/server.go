package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/skyrelay/pkg/logger"
)

// Message types pushed to and read from browsers
const (
	MessageTypeAircraftAdded        = "aircraft_added"
	MessageTypeAircraftUpdate       = "aircraft_update"
	MessageTypeAircraftRemoved      = "aircraft_removed"
	MessageTypeFeedsChanged         = "feeds_changed"
	MessageTypeAircraftBulkRequest  = "aircraft_bulk_request"  // Client requests every aircraft of a feed
	MessageTypeAircraftBulkResponse = "aircraft_bulk_response" // Server sends every aircraft of a feed
	MessageTypeFeedFilter           = "feed_filter"            // Client picks the feeds it wants
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientSendSize = 256
)

// Message represents a WebSocket message. FeedID is zero for messages that
// are not about one feed.
type Message struct {
	Type   string         `json:"type"`
	FeedID int            `json:"feed_id,omitempty"`
	Data   map[string]any `json:"data"`
}

// BulkProvider returns the current aircraft of a feed for a bulk request
type BulkProvider func(feedID int) (any, bool)

// Client represents a WebSocket client
type Client struct {
	conn      *websocket.Conn
	send      chan *Message
	server    *Server
	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
	feeds     map[int]bool // empty means every feed
}

// Server represents a WebSocket server
type Server struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
	bulk       BulkProvider
	done       chan struct{}
}

// NewServer creates a new WebSocket server
func NewServer(bulk BulkProvider, logger *logger.Logger) *Server {
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 1024),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		logger: logger.Named("web-socket"),
		bulk:   bulk,
		done:   make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("Starting WebSocket server")
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				s.closeClientLocked(client)
			}
			s.mu.Unlock()
			s.logger.Info("WebSocket server stopped")
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", Int("client_count", clientCount))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				s.closeClientLocked(client)
			}
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client unregistered", Int("client_count", clientCount))

		case message := <-s.broadcast:
			s.mu.RLock()
			clientsToRemove := make([]*Client, 0)
			for client := range s.clients {
				if !client.wantsFeed(message.FeedID) {
					continue
				}
				if !client.SendMessage(message) {
					// Channel is full or closed, mark for removal
					clientsToRemove = append(clientsToRemove, client)
				}
			}
			s.mu.RUnlock()

			if len(clientsToRemove) > 0 {
				s.mu.Lock()
				for _, client := range clientsToRemove {
					if _, ok := s.clients[client]; ok {
						delete(s.clients, client)
						s.closeClientLocked(client)
					}
				}
				s.mu.Unlock()
				s.logger.Debug("Dropped slow clients", Int("count", len(clientsToRemove)))
			}
		}
	}
}

// closeClientLocked marks the client closed and closes its send channel.
// The caller holds s.mu.
func (s *Server) closeClientLocked(client *Client) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

// HandleConnection handles a WebSocket connection
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			Error(err),
			String("remote_addr", r.RemoteAddr))
		return
	}

	s.logger.Debug("Upgraded connection to WebSocket",
		String("remote_addr", r.RemoteAddr),
		String("user_agent", r.UserAgent()))

	client := &Client{
		conn:      conn,
		send:      make(chan *Message, clientSendSize),
		server:    s,
		closeChan: make(chan struct{}),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// Broadcast queues a message for every interested client. It never blocks;
// the message is dropped when the hub is backed up or stopped.
func (s *Server) Broadcast(message *Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.broadcast <- message:
		return true
	default:
		s.logger.Warn("WebSocket broadcast queue full, message dropped", String("message_type", message.Type))
		return false
	}
}

// ClientCount returns the number of registered clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleMessage(c *Client, message *Message) error {
	switch message.Type {
	case MessageTypeFeedFilter:
		ids, _ := message.Data["feed_ids"].([]any)
		feeds := make(map[int]bool, len(ids))
		for _, v := range ids {
			// JSON numbers decode as float64
			id, ok := v.(float64)
			if !ok {
				return fmt.Errorf("invalid feed id %v", v)
			}
			feeds[int(id)] = true
		}
		c.mu.Lock()
		c.feeds = feeds
		c.mu.Unlock()
		return nil

	case MessageTypeAircraftBulkRequest:
		id, ok := message.Data["feed_id"].(float64)
		if !ok {
			return fmt.Errorf("bulk request without feed_id")
		}
		if s.bulk == nil {
			return nil
		}
		aircraft, found := s.bulk(int(id))
		if !found {
			return fmt.Errorf("unknown feed %d", int(id))
		}
		c.SendMessage(&Message{
			Type:   MessageTypeAircraftBulkResponse,
			FeedID: int(id),
			Data:   map[string]any{"aircraft": aircraft},
		})
		return nil

	default:
		return fmt.Errorf("unknown message type %q", message.Type)
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", Error(err))
			}
			return
		}

		var message Message
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.server.logger.Error("Failed to parse WebSocket message", Error(err))
			continue
		}

		if err := c.server.handleMessage(c, &message); err != nil {
			c.server.logger.Warn("Failed to handle WebSocket message",
				Error(err),
				String("type", message.Type))
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closeChan:
	default:
		close(c.closeChan)
	}
	c.conn.Close()
}

// SendMessage sends a message to this specific client
func (c *Client) SendMessage(message *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		// Channel is full, drop message
		return false
	}
}

func (c *Client) wantsFeed(feedID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return feedID == 0 || len(c.feeds) == 0 || c.feeds[feedID]
}

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)
