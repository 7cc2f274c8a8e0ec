package model

import (
	"encoding/json"
	"time"
)

// Outbound event types sent by server.
const (
	EventTypeUserJoined           = "user_joined"
	EventTypeUserLeft             = "user_left"
	EventTypeUserReconnecting     = "user_reconnecting"
	EventTypeUserReconnected      = "user_reconnected"
	EventTypeParticipantsSnapshot = "participants_snapshot"
	EventTypeCallMetadata         = "call_metadata"
	EventTypeError                = "error"
	EventTypeCallEnded            = "call_ended"
)

// Error codes reported to the sender of a rejected message.
const (
	ErrorCodeInvalidMessage         = "invalid_message"
	ErrorCodeUnsupportedMessageType = "unsupported_message_type"
	ErrorCodeTargetNotFound         = "target_not_found"
	ErrorCodeTargetUnavailable      = "target_unavailable"
)

// Call ended reasons.
const (
	CallEndedReasonDuration = "max_duration_exceeded"
	CallEndedReasonEnded    = "ended"
	CallEndedReasonExpired  = "expired"
)

// Event is anything the relay writes to a participant's transport.
type Event interface {
	EventType() string
}

type UserEvent struct {
	Type string      `json:"type"`
	User Participant `json:"user"`
}

type UserLeftEvent struct {
	Type   string      `json:"type"`
	User   Participant `json:"user"`
	Reason string      `json:"reason"`
}

type UserReconnectingEvent struct {
	Type           string      `json:"type"`
	User           Participant `json:"user"`
	TimeoutSeconds int         `json:"timeout_seconds"`
}

type ParticipantsSnapshotEvent struct {
	Type         string        `json:"type"`
	Participants []Participant `json:"participants"`
}

type CallMetadataEvent struct {
	Type          string    `json:"type"`
	RoomStartTime time.Time `json:"room_start_time"`
}

type SignalEvent struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	FromUser Participant     `json:"from_user"`
}

type ErrorEvent struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type CallEndedEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e UserEvent) EventType() string                 { return e.Type }
func (e UserLeftEvent) EventType() string             { return e.Type }
func (e UserReconnectingEvent) EventType() string     { return e.Type }
func (e ParticipantsSnapshotEvent) EventType() string { return e.Type }
func (e CallMetadataEvent) EventType() string         { return e.Type }
func (e SignalEvent) EventType() string               { return e.Type }
func (e ErrorEvent) EventType() string                { return e.Type }
func (e CallEndedEvent) EventType() string            { return e.Type }

func NewUserJoined(p Participant) UserEvent {
	return UserEvent{Type: EventTypeUserJoined, User: p}
}

func NewUserReconnected(p Participant) UserEvent {
	return UserEvent{Type: EventTypeUserReconnected, User: p}
}

func NewUserLeft(p Participant, reason string) UserLeftEvent {
	return UserLeftEvent{Type: EventTypeUserLeft, User: p, Reason: reason}
}

func NewUserReconnecting(p Participant, timeout time.Duration) UserReconnectingEvent {
	return UserReconnectingEvent{
		Type:           EventTypeUserReconnecting,
		User:           p,
		TimeoutSeconds: int(timeout / time.Second),
	}
}

func NewParticipantsSnapshot(ps []Participant) ParticipantsSnapshotEvent {
	if ps == nil {
		ps = []Participant{}
	}
	return ParticipantsSnapshotEvent{Type: EventTypeParticipantsSnapshot, Participants: ps}
}

func NewCallMetadata(roomStart time.Time) CallMetadataEvent {
	return CallMetadataEvent{Type: EventTypeCallMetadata, RoomStartTime: roomStart.UTC()}
}

func NewSignalEvent(kind SignalKind, payload json.RawMessage, from Participant) SignalEvent {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return SignalEvent{Type: string(kind), Payload: payload, FromUser: from}
}

func NewError(code, detail string) ErrorEvent {
	return ErrorEvent{Type: EventTypeError, Code: code, Detail: detail}
}

func NewCallEnded(reason string) CallEndedEvent {
	return CallEndedEvent{Type: EventTypeCallEnded, Reason: reason}
}
