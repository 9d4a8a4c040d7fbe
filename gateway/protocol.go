package gateway

import (
	"encoding/json"
	"time"
)

// Client to server message types
const (
	TypeAuth                = "auth"
	TypeSubscribeItems      = "subscribe_items"
	TypeSubscribeLocations  = "subscribe_locations"
	TypeSubscribeAlertTypes = "subscribe_alert_types"
	TypePing                = "ping"
	TypeGetConnectionStatus = "get_connection_status"
)

// Server to client message types. Event pushes use "<domain>_updated" and
// "<domain>_alert".
const (
	TypeConnected           = "connected"
	TypeSubscriptionUpdated = "subscription_updated"
	TypePong                = "pong"
	TypeConnectionStatus    = "connection_status"
	TypeError               = "error"
)

// inboundFrame covers every client message; unused fields stay empty
type inboundFrame struct {
	Type  string   `json:"type"`
	IDs   []string `json:"ids,omitempty"`
	Types []string `json:"types,omitempty"`
	Token string   `json:"token,omitempty"`
}

type connectedFrame struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriptionUpdatedFrame struct {
	Type      string    `json:"type"`
	Filter    string    `json:"filter"`
	Items     []string  `json:"items"`
	Timestamp time.Time `json:"timestamp"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriptionsView struct {
	Items      []string `json:"items"`
	Locations  []string `json:"locations"`
	AlertTypes []string `json:"alertTypes"`
}

type connectionStatusFrame struct {
	Type          string            `json:"type"`
	TenantID      string            `json:"tenantId"`
	UserID        string            `json:"userId"`
	Subscriptions subscriptionsView `json:"subscriptions"`
	RoomsJoined   []string          `json:"roomsJoined"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// updateFrame is pushed for "<domain>_updated" messages
type updateFrame struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// alertFrame is pushed for "<domain>_alert" messages
type alertFrame struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	Alert     json.RawMessage `json:"alert"`
	Timestamp time.Time       `json:"timestamp"`
}

// broadcastFrame carries manual tenant or global announcements
type broadcastFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
