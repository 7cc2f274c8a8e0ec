package _switch

import (
	"context"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
)

type (
	// Endpoint is the outbound half of a participant's transport.
	// Send must be safe for concurrent use and must deliver events
	// to the peer in the order Send was called.
	Endpoint interface {
		Send(ctx context.Context, ev model.Event) error
		Close()
	}

	// Recorder receives membership transitions for durable history.
	// Calls are made while the room lock is held, so implementations must not block.
	Recorder interface {
		Joined(callID model.CallID, p model.Participant, at time.Time)
		Reconnecting(callID model.CallID, userID model.UserID, deadline time.Time)
		Reconnected(callID model.CallID, userID model.UserID, at time.Time)
		Left(callID model.CallID, userID model.UserID, reason string, at time.Time)
	}
)

type State int

const (
	StateConnected State = iota
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// participant is one user's connection inside a room. All fields are guarded by the room lock.
type participant struct {
	info     model.Participant
	endpoint Endpoint
	state    State
	joinedAt time.Time

	reconnect    *time.Timer
	reconnectSeq uint64
}

func (p *participant) stopReconnect() {
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
}

type nopRecorder struct{}

func (nopRecorder) Joined(model.CallID, model.Participant, time.Time)  {}
func (nopRecorder) Reconnecting(model.CallID, model.UserID, time.Time) {}
func (nopRecorder) Reconnected(model.CallID, model.UserID, time.Time)  {}
func (nopRecorder) Left(model.CallID, model.UserID, string, time.Time) {}
