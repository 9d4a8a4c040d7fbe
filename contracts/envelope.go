package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the payload schema version used when none is given
const DefaultVersion = 1

// Envelope wraps a domain event for transport across process and broker
// boundaries. It has no setters: every field is fixed by NewEnvelope.
type Envelope struct {
	id            string
	eventType     string
	tenantID      string
	correlationID string
	occurredAt    time.Time
	priority      int
	payload       json.RawMessage
	version       int

	attrs map[string]json.RawMessage
}

// EnvelopeOption configures an envelope at construction time
type EnvelopeOption func(*envelopeConfig)

type envelopeConfig struct {
	id            string
	correlationID string
	occurredAt    time.Time
	priority      int
	version       int
}

// WithID sets an explicit event id instead of a generated one
func WithID(id string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.id = id
	}
}

// WithCorrelationID propagates an existing correlation id
func WithCorrelationID(correlationID string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.correlationID = correlationID
	}
}

// WithOccurredAt sets the event timestamp
func WithOccurredAt(t time.Time) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.occurredAt = t
	}
}

// WithPriority sets the event priority (higher is more urgent)
func WithPriority(priority int) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.priority = priority
	}
}

// WithVersion sets the payload schema version
func WithVersion(version int) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.version = version
	}
}

// NewEnvelope validates its inputs and builds an immutable envelope.
// The payload may be any JSON-marshallable value, a json.RawMessage or a []byte
// holding JSON.
func NewEnvelope(eventType, tenantID string, payload any, options ...EnvelopeOption) (*Envelope, error) {
	cfg := envelopeConfig{
		version: DefaultVersion,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, &InvalidEventError{Field: "tenantId", Reason: "must not be empty"}
	}
	if cfg.version < 1 {
		return nil, &InvalidEventError{Field: "version", Reason: "must be >= 1"}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, &SerializationError{EventType: eventType, Err: err}
	}

	if cfg.id == "" {
		cfg.id = uuid.New().String()
	}
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}
	if cfg.occurredAt.IsZero() {
		cfg.occurredAt = time.Now()
	}

	// Non-object payloads leave attrs empty.
	attrs := map[string]json.RawMessage{}
	_ = json.Unmarshal(raw, &attrs)

	return &Envelope{
		attrs:         attrs,
		id:            cfg.id,
		eventType:     eventType,
		tenantID:      tenantID,
		correlationID: cfg.correlationID,
		occurredAt:    cfg.occurredAt.UTC(),
		priority:      cfg.priority,
		payload:       raw,
		version:       cfg.version,
	}, nil
}

// ValidateEventType checks that t is a dotted name of non-empty segments
// without wildcard characters.
func ValidateEventType(t string) error {
	if strings.TrimSpace(t) == "" {
		return &InvalidEventError{Field: "type", Reason: "must not be empty"}
	}
	for _, segment := range strings.Split(t, ".") {
		if segment == "" {
			return &InvalidEventError{Field: "type", Reason: "contains an empty segment"}
		}
		if segment == "*" || segment == "#" {
			return &InvalidEventError{Field: "type", Reason: "wildcards are only valid in subscription patterns"}
		}
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		raw = []byte("null")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// ID returns the unique event id
func (e *Envelope) ID() string { return e.id }

// Type returns the dotted event type
func (e *Envelope) Type() string { return e.eventType }

// TenantID returns the owning tenant
func (e *Envelope) TenantID() string { return e.tenantID }

// CorrelationID returns the tracing correlation id
func (e *Envelope) CorrelationID() string { return e.correlationID }

// OccurredAt returns when the event happened (UTC)
func (e *Envelope) OccurredAt() time.Time { return e.occurredAt }

// Priority returns the event priority
func (e *Envelope) Priority() int { return e.priority }

// Version returns the payload schema version
func (e *Envelope) Version() int { return e.version }

// Payload returns a copy of the raw JSON payload
func (e *Envelope) Payload() json.RawMessage {
	out := make(json.RawMessage, len(e.payload))
	copy(out, e.payload)
	return out
}

// DecodePayload unmarshals the payload into dest
func (e *Envelope) DecodePayload(dest any) error {
	return json.Unmarshal(e.payload, dest)
}

// Domain returns the first segment of the event type ("inventory" for
// "inventory.stock.changed").
func (e *Envelope) Domain() string {
	if i := strings.IndexByte(e.eventType, '.'); i >= 0 {
		return e.eventType[:i]
	}
	return e.eventType
}

// Attr returns a top-level string attribute of an object payload, or "".
func (e *Envelope) Attr(key string) string {
	raw, ok := e.attrs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// Subject returns the id of the entity the event is about.
func (e *Envelope) Subject() string {
	if s := e.Attr("itemId"); s != "" {
		return s
	}
	return e.Attr("subjectId")
}

// Location returns the location id the event refers to, if any.
func (e *Envelope) Location() string {
	return e.Attr("locationId")
}

type wireEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Priority      int             `json:"priority"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:            e.id,
		Type:          e.eventType,
		TenantID:      e.tenantID,
		CorrelationID: e.correlationID,
		OccurredAt:    e.occurredAt,
		Priority:      e.priority,
		Version:       e.version,
		Payload:       e.payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded envelope is validated
// with the same rules as NewEnvelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return &SerializationError{Err: err}
	}
	if w.ID == "" {
		return &InvalidEventError{Field: "id", Reason: "must not be empty"}
	}
	if w.Version == 0 {
		w.Version = DefaultVersion
	}
	decoded, err := NewEnvelope(w.Type, w.TenantID, w.Payload,
		WithID(w.ID),
		WithCorrelationID(w.CorrelationID),
		WithOccurredAt(w.OccurredAt),
		WithPriority(w.Priority),
		WithVersion(w.Version),
	)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// Decode parses a serialized envelope
func Decode(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		var invalid *InvalidEventError
		var serr *SerializationError
		if errors.As(err, &invalid) || errors.As(err, &serr) {
			return nil, err
		}
		return nil, &SerializationError{Err: err}
	}
	return env, nil
}
