// Package models defines the records that move through the sync engine:
// conversations and messages, and the QueueRecord envelope that wraps them
// while they wait for server confirmation.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType tags which domain entity a QueueRecord carries.
type EntityType string

const (
	EntityConversation EntityType = "conversation"
	EntityMessage      EntityType = "message"
)

// EntityTypes lists every entity type in push order. Conversations come
// first because messages reference them.
var EntityTypes = []EntityType{EntityConversation, EntityMessage}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityConversation || t == EntityMessage
}

// Collection returns the remote collection name for the entity type.
func (t EntityType) Collection() string {
	switch t {
	case EntityConversation:
		return "conversations"
	case EntityMessage:
		return "messages"
	}

	return ""
}

// Conversation is a practice session between the learner and the tutor.
type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Level     string `json:"level,omitempty"`
	Title     string `json:"title,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Message is one turn in a conversation. Feedback fields are computed
// locally after audio analysis and may arrive after the text itself.
type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	UserID           string          `json:"user_id,omitempty"`
	Sender           string          `json:"sender,omitempty"`
	Type             string          `json:"type,omitempty"`
	Content          string          `json:"content"`
	AudioURL         string          `json:"audio_url,omitempty"`
	ProsodyFeedback  json.RawMessage `json:"prosody_feedback,omitempty"`
	VocabSuggestions json.RawMessage `json:"vocab_suggestions,omitempty"`
	Guidance         string          `json:"guidance,omitempty"`
	DeviceID         string          `json:"device_id,omitempty"`
	CreatedAt        string          `json:"created_at,omitempty"`
	UpdatedAt        string          `json:"updated_at,omitempty"`
}

// QueueRecord is a locally persisted copy of a conversation or message.
// Exactly one of Conversation or Message is set, matching EntityType.
type QueueRecord struct {
	EntityType   EntityType
	Conversation *Conversation
	Message      *Message
	Synced       bool
}

// NewConversationRecord wraps a conversation in an unsynced record.
func NewConversationRecord(c Conversation) QueueRecord {
	return QueueRecord{EntityType: EntityConversation, Conversation: &c}
}

// NewMessageRecord wraps a message in an unsynced record.
func NewMessageRecord(m Message) QueueRecord {
	return QueueRecord{EntityType: EntityMessage, Message: &m}
}

// RecordFromPayload decodes raw domain fields into a record of the given
// type. Unknown fields in raw are dropped.
func RecordFromPayload(t EntityType, raw json.RawMessage) (QueueRecord, error) {
	switch t {
	case EntityConversation:
		var c Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return QueueRecord{}, fmt.Errorf("decoding conversation: %w", err)
		}

		return NewConversationRecord(c), nil
	case EntityMessage:
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return QueueRecord{}, fmt.Errorf("decoding message: %w", err)
		}

		return NewMessageRecord(m), nil
	}

	return QueueRecord{}, fmt.Errorf("unknown entity type %q", t)
}

// Validate checks that the union tag matches the populated payload.
func (r QueueRecord) Validate() error {
	switch r.EntityType {
	case EntityConversation:
		if r.Conversation == nil || r.Message != nil {
			return fmt.Errorf("conversation record must carry only a conversation payload")
		}
	case EntityMessage:
		if r.Message == nil || r.Conversation != nil {
			return fmt.Errorf("message record must carry only a message payload")
		}
	default:
		return fmt.Errorf("unknown entity type %q", r.EntityType)
	}

	return nil
}

// ID returns the entity id.
func (r QueueRecord) ID() string {
	switch r.EntityType {
	case EntityConversation:
		if r.Conversation != nil {
			return r.Conversation.ID
		}
	case EntityMessage:
		if r.Message != nil {
			return r.Message.ID
		}
	}

	return ""
}

// DeviceID returns the device that produced the record.
func (r QueueRecord) DeviceID() string {
	if r.Conversation != nil {
		return r.Conversation.DeviceID
	}

	if r.Message != nil {
		return r.Message.DeviceID
	}

	return ""
}

// CreatedAt returns the raw created_at timestamp.
func (r QueueRecord) CreatedAt() string {
	if r.Conversation != nil {
		return r.Conversation.CreatedAt
	}

	if r.Message != nil {
		return r.Message.CreatedAt
	}

	return ""
}

// UpdatedAt returns the raw updated_at timestamp.
func (r QueueRecord) UpdatedAt() string {
	if r.Conversation != nil {
		return r.Conversation.UpdatedAt
	}

	if r.Message != nil {
		return r.Message.UpdatedAt
	}

	return ""
}

// Timestamp returns updated_at, falling back to created_at. The zero time
// is returned when neither parses.
func (r QueueRecord) Timestamp() time.Time {
	if t, ok := ParseTime(r.UpdatedAt()); ok {
		return t
	}

	t, _ := ParseTime(r.CreatedAt())

	return t
}

// SetID replaces the entity id.
func (r *QueueRecord) SetID(id string) {
	switch r.EntityType {
	case EntityConversation:
		r.Conversation.ID = id
	case EntityMessage:
		r.Message.ID = id
	}
}

// UserID returns the owning user, if known.
func (r QueueRecord) UserID() string {
	if r.Conversation != nil {
		return r.Conversation.UserID
	}

	if r.Message != nil {
		return r.Message.UserID
	}

	return ""
}

// SetUserID fills in the owning user when the record has none.
func (r *QueueRecord) SetUserID(id string) {
	switch {
	case r.Conversation != nil && r.Conversation.UserID == "":
		r.Conversation.UserID = id
	case r.Message != nil && r.Message.UserID == "":
		r.Message.UserID = id
	}
}

// Stamp sets the device id and timestamps. created_at is only set when
// empty so re-enqueued records keep their original creation time.
func (r *QueueRecord) Stamp(deviceID string, now time.Time) {
	ts := FormatTime(now)

	switch r.EntityType {
	case EntityConversation:
		r.Conversation.DeviceID = deviceID
		if r.Conversation.CreatedAt == "" {
			r.Conversation.CreatedAt = ts
		}

		r.Conversation.UpdatedAt = ts
	case EntityMessage:
		r.Message.DeviceID = deviceID
		if r.Message.CreatedAt == "" {
			r.Message.CreatedAt = ts
		}

		r.Message.UpdatedAt = ts
	}
}

// Payload returns the domain fields as JSON.
func (r QueueRecord) Payload() (json.RawMessage, error) {
	switch r.EntityType {
	case EntityConversation:
		return json.Marshal(r.Conversation)
	case EntityMessage:
		return json.Marshal(r.Message)
	}

	return nil, fmt.Errorf("unknown entity type %q", r.EntityType)
}

// Clone returns a deep copy so callers can mutate without touching the
// queue's snapshot.
func (r QueueRecord) Clone() QueueRecord {
	out := QueueRecord{EntityType: r.EntityType, Synced: r.Synced}

	if r.Conversation != nil {
		c := *r.Conversation
		out.Conversation = &c
	}

	if r.Message != nil {
		m := *r.Message
		m.ProsodyFeedback = append(json.RawMessage(nil), r.Message.ProsodyFeedback...)
		m.VocabSuggestions = append(json.RawMessage(nil), r.Message.VocabSuggestions...)
		out.Message = &m
	}

	return out
}

// recordEnvelope is the on-disk form of a QueueRecord.
type recordEnvelope struct {
	EntityType EntityType      `json:"entity_type"`
	Synced     bool            `json:"synced"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the record as {"entity_type","synced","payload"}.
func (r QueueRecord) MarshalJSON() ([]byte, error) {
	payload, err := r.Payload()
	if err != nil {
		return nil, err
	}

	return json.Marshal(recordEnvelope{
		EntityType: r.EntityType,
		Synced:     r.Synced,
		Payload:    payload,
	})
}

// UnmarshalJSON decodes the envelope produced by MarshalJSON.
func (r *QueueRecord) UnmarshalJSON(data []byte) error {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	rec, err := RecordFromPayload(env.EntityType, env.Payload)
	if err != nil {
		return err
	}

	rec.Synced = env.Synced
	*r = rec

	return nil
}

// FormatTime renders t the way records store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an RFC 3339 timestamp, with or without fractional
// seconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}

	return time.Time{}, false
}
