// Package events turns stream lifecycle callbacks into event records and
// fans them out to in-process consumers and Redis.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/gocast/livecast/internal/stream"
)

// Type names a lifecycle transition
type Type string

const (
	TypePublish     Type = "publish"
	TypeUnpublish   Type = "unpublish"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
)

// Event is one lifecycle transition of a stream path
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	Path         string    `json:"path"`
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id,omitempty"`
	ServerID     string    `json:"server_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func newEvent(t Type, path stream.StreamPath, conn stream.ConnectionID, serverID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		Path:         path.String(),
		ConnectionID: string(conn),
		ServerID:     serverID,
		OccurredAt:   time.Now().UTC(),
	}
}

func publishEvent(t Type, pub *stream.PublishContext, serverID string) Event {
	return newEvent(t, pub.Path, pub.ConnectionID, serverID)
}

func subscribeEvent(t Type, sub *stream.SubscribeContext, serverID string) Event {
	e := newEvent(t, sub.Path, sub.ConnectionID, serverID)
	e.SessionID = sub.SessionID
	return e
}
