package models

import (
	"time"

	"github.com/google/uuid"
)

// BreakoutRoom is a sub-partition of a session roster with its own chat scope and media routing key.
type BreakoutRoom struct {
	SessionID  uuid.UUID `json:"session_id"`
	Index      int       `json:"index"`
	RoutingKey string    `json:"routing_key"`
	MediaURL   string    `json:"media_url,omitempty"`
	Members    []string  `json:"members"`
	CreatedAt  time.Time `json:"created_at"`
}
