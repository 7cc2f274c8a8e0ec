package model

import (
	"time"
)

type (
	CallID string
	UserID int64
)

type CallStatus string

const (
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
	CallStatusExpired CallStatus = "expired"
)

type Call struct {
	ID           CallID     `json:"call_id"`
	CreatorID    UserID     `json:"creator_user_id"`
	Title        string     `json:"title,omitempty"`
	VideoEnabled bool       `json:"is_video_enabled"`
	Status       CallStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the call has an expiry in the past relative to now.
func (c *Call) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Participant is the display snapshot of a user captured when the connection is admitted.
type Participant struct {
	ID        UserID `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Leave reasons.
const (
	LeaveReasonExplicit         = "explicit"
	LeaveReasonReconnectTimeout = "reconnect_timeout"
	LeaveReasonCallEnded        = "call_ended"
)

// Participation is one durable record of a user's presence in a call.
type Participation struct {
	CallID            CallID     `json:"call_id"`
	UserID            UserID     `json:"user_id"`
	JoinedAt          time.Time  `json:"joined_at"`
	LeftAt            *time.Time `json:"left_at,omitempty"`
	LeaveReason       string     `json:"leave_reason,omitempty"`
	ReconnectDeadline *time.Time `json:"reconnect_deadline,omitempty"`
}

func (p *Participation) Open() bool {
	return p.LeftAt == nil
}
