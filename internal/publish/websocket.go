package publish

import (
	"github.com/yegors/skyrelay/internal/websocket"
)

// Broadcaster is the part of the websocket hub the sink writes to
type Broadcaster interface {
	Broadcast(message *websocket.Message) bool
}

// WebsocketSink pushes every change to browsers as its own message
type WebsocketSink struct {
	Hub Broadcaster
}

// PublishChanges implements Sink
func (s WebsocketSink) PublishChanges(feedID int, changes []Change) error {
	for _, c := range changes {
		msg := &websocket.Message{
			FeedID: feedID,
			Data:   map[string]any{"icao": c.Icao},
		}
		switch c.Type {
		case Added:
			msg.Type = websocket.MessageTypeAircraftAdded
			msg.Data["aircraft"] = c.Aircraft
		case Updated:
			msg.Type = websocket.MessageTypeAircraftUpdate
			msg.Data["aircraft"] = c.Aircraft
		case Removed:
			msg.Type = websocket.MessageTypeAircraftRemoved
		}
		s.Hub.Broadcast(msg)
	}
	return nil
}
