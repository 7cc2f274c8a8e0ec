package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/metrics"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var (
	ErrRoomFull          = errors.New("room is full")
	ErrRoomClosed        = errors.New("room is closed")
	ErrTargetNotFound    = errors.New("target participant is not in the room")
	ErrTargetUnavailable = errors.New("target participant is reconnecting")
)

type JoinResult struct {
	// Reconnected is set when the user resumed a session that was waiting for reconnect.
	Reconnected bool
	// Replaced holds the previous live endpoint of the same user, if any.
	// The caller is responsible for closing it.
	Replaced Endpoint
	// Others is the membership at the moment of the join, without the joiner.
	// Any later change reaches the new endpoint as an event.
	Others []model.Participant
}

type RoomConfig struct {
	CallID           model.CallID
	MaxParticipants  int
	ReconnectTimeout time.Duration
	Recorder         Recorder
	Logger           *zerolog.Logger

	// OnEmpty is called outside the room lock every time the last participant is removed.
	OnEmpty func(model.CallID)
}

// Room is the live state of one call: who is connected, and how to reach them.
type Room struct {
	id               model.CallID
	maxParticipants  int
	reconnectTimeout time.Duration
	recorder         Recorder
	onEmpty          func(model.CallID)
	logger           zerolog.Logger
	startedAt        time.Time

	lastActivity atomic.Int64
	closed       atomic.Bool
	size         atomic.Int32

	mx           sync.Mutex
	participants map[model.UserID]*participant
}

func NewRoom(cfg RoomConfig) *Room {
	now := time.Now()
	r := &Room{
		id:               cfg.CallID,
		maxParticipants:  cfg.MaxParticipants,
		reconnectTimeout: cfg.ReconnectTimeout,
		recorder:         cfg.Recorder,
		onEmpty:          cfg.OnEmpty,
		logger:           cfg.Logger.With().Str("component", "room").Str("callID", string(cfg.CallID)).Logger(),
		startedAt:        now,
		participants:     make(map[model.UserID]*participant),
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	r.lastActivity.Store(now.UnixNano())
	return r
}

func (r *Room) ID() model.CallID {
	return r.id
}

func (r *Room) StartedAt() time.Time {
	return r.startedAt
}

func (r *Room) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

func (r *Room) Len() int {
	return int(r.size.Load())
}

func (r *Room) IsEmpty() bool {
	return r.size.Load() == 0
}

func (r *Room) Closed() bool {
	return r.closed.Load()
}

func (r *Room) touch(now time.Time) {
	r.lastActivity.Store(now.UnixNano())
}

// Join admits a user into the room. A user that is already present keeps a single entry:
// a reconnecting user is resumed, a connected user gets its endpoint swapped.
func (r *Room) Join(ctx context.Context, info model.Participant, ep Endpoint) (JoinResult, error) {
	var (
		res JoinResult
		now = time.Now()
	)

	r.mx.Lock()
	if r.closed.Load() {
		r.mx.Unlock()
		return res, ErrRoomClosed
	}
	p, ok := r.participants[info.ID]
	switch {
	case ok && p.state == StateReconnecting:
		p.stopReconnect()
		p.state = StateConnected
		p.endpoint = ep
		res.Reconnected = true
		r.recorder.Reconnected(r.id, info.ID, now)
	case ok:
		res.Replaced = p.endpoint
		p.endpoint = ep
	default:
		if len(r.participants) >= r.maxParticipants {
			r.mx.Unlock()
			return res, ErrRoomFull
		}
		p = &participant{
			info:     info,
			endpoint: ep,
			state:    StateConnected,
			joinedAt: now,
		}
		r.participants[info.ID] = p
		r.size.Inc()
		r.recorder.Joined(r.id, info, now)
	}
	snapshot := p.info
	res.Others = r.listLocked(info.ID)
	r.touch(now)
	r.mx.Unlock()

	logger := r.logger.With().Int64("userID", int64(info.ID)).Logger()
	switch {
	case res.Reconnected:
		metrics.ReconnectCompleted()
		logger.Debug().Msg("participant reconnected")
		r.Broadcast(ctx, model.NewUserReconnected(snapshot), info.ID)
	case res.Replaced != nil:
		logger.Debug().Msg("participant endpoint replaced")
	default:
		metrics.ParticipantJoined()
		logger.Debug().Msg("participant joined")
		r.Broadcast(ctx, model.NewUserJoined(snapshot), info.ID)
	}
	return res, nil
}

// Leave removes the user and cancels its pending reconnect, if any. Removing an absent user is a no-op.
func (r *Room) Leave(userID model.UserID) bool {
	r.mx.Lock()
	_, ok := r.removeLocked(userID, time.Now())
	r.mx.Unlock()
	return ok
}

func (r *Room) removeLocked(userID model.UserID, now time.Time) (*participant, bool) {
	p, ok := r.participants[userID]
	if !ok {
		return nil, false
	}
	p.stopReconnect()
	delete(r.participants, userID)
	r.size.Dec()
	r.touch(now)
	return p, true
}

// ExplicitLeave handles a participant-initiated departure. It only acts if ep
// is still the user's current endpoint.
func (r *Room) ExplicitLeave(ctx context.Context, userID model.UserID, ep Endpoint) bool {
	now := time.Now()

	r.mx.Lock()
	p, ok := r.participants[userID]
	if !ok || p.endpoint != ep {
		r.mx.Unlock()
		return false
	}
	r.removeLocked(userID, now)
	r.recorder.Left(r.id, userID, model.LeaveReasonExplicit, now)
	r.mx.Unlock()

	metrics.ParticipantLeft(model.LeaveReasonExplicit)
	r.logger.Debug().Int64("userID", int64(userID)).Msg("participant left")
	r.Broadcast(ctx, model.NewUserLeft(p.info, model.LeaveReasonExplicit), userID)
	r.notifyEmpty()
	return true
}

// Disconnect moves a connected user into the reconnecting state and starts its grace timer.
// It only acts if ep is still the user's current endpoint.
func (r *Room) Disconnect(ctx context.Context, userID model.UserID, ep Endpoint) bool {
	now := time.Now()
	deadline := now.Add(r.reconnectTimeout)

	r.mx.Lock()
	p, ok := r.participants[userID]
	if !ok || p.endpoint != ep || p.state != StateConnected {
		r.mx.Unlock()
		return false
	}
	p.state = StateReconnecting
	p.reconnectSeq++
	seq := p.reconnectSeq
	p.reconnect = time.AfterFunc(r.reconnectTimeout, func() {
		r.expireReconnect(userID, p, seq)
	})
	r.touch(now)
	r.recorder.Reconnecting(r.id, userID, deadline)
	r.mx.Unlock()

	metrics.ReconnectStarted()
	r.logger.Debug().
		Int64("userID", int64(userID)).
		Dur("timeout", r.reconnectTimeout).
		Msg("participant disconnected, waiting for reconnect")
	r.Broadcast(ctx, model.NewUserReconnecting(p.info, r.reconnectTimeout), userID)
	return true
}

func (r *Room) expireReconnect(userID model.UserID, p *participant, seq uint64) {
	now := time.Now()

	r.mx.Lock()
	cur, ok := r.participants[userID]
	if !ok || cur != p || p.state != StateReconnecting || p.reconnectSeq != seq {
		r.mx.Unlock()
		return
	}
	p.reconnect = nil
	r.removeLocked(userID, now)
	r.recorder.Left(r.id, userID, model.LeaveReasonReconnectTimeout, now)
	r.mx.Unlock()

	metrics.ParticipantLeft(model.LeaveReasonReconnectTimeout)
	r.logger.Debug().Int64("userID", int64(userID)).Msg("reconnect timed out")
	r.Broadcast(context.Background(), model.NewUserLeft(p.info, model.LeaveReasonReconnectTimeout), userID)
	r.notifyEmpty()
}

// End finalizes every participant: they get call_ended, their endpoints are closed
// and the room stops accepting joins.
func (r *Room) End(ctx context.Context, reason string) {
	now := time.Now()

	r.mx.Lock()
	if r.closed.Load() {
		r.mx.Unlock()
		return
	}
	r.closed.Store(true)
	ps := make([]*participant, 0, len(r.participants))
	for id, p := range r.participants {
		p.stopReconnect()
		ps = append(ps, p)
		delete(r.participants, id)
		r.recorder.Left(r.id, id, model.LeaveReasonCallEnded, now)
	}
	r.size.Store(0)
	r.touch(now)
	r.mx.Unlock()

	ev := model.NewCallEnded(reason)
	for _, p := range ps {
		metrics.ParticipantLeft(model.LeaveReasonCallEnded)
		if p.state == StateConnected {
			if err := p.endpoint.Send(ctx, ev); err != nil {
				r.logger.Debug().Err(err).Int64("userID", int64(p.info.ID)).Msg("call ended notice was not delivered")
			}
			p.endpoint.Close()
		}
	}
	r.logger.Debug().Str("reason", reason).Int("participants", len(ps)).Msg("room ended")
	r.notifyEmpty()
}

// closeIfEmpty marks an empty room as closed so no join can slip in after the registry drops it.
func (r *Room) closeIfEmpty() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if len(r.participants) != 0 {
		return false
	}
	r.closed.Store(true)
	return true
}

func (r *Room) notifyEmpty() {
	if r.onEmpty != nil && r.IsEmpty() {
		r.onEmpty(r.id)
	}
}

func (r *Room) Has(userID model.UserID) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.participants[userID]
	return ok
}

// List returns participant snapshots, skipping any user listed in exclude.
func (r *Room) List(exclude ...model.UserID) []model.Participant {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.listLocked(exclude...)
}

func (r *Room) listLocked(exclude ...model.UserID) []model.Participant {
	out := make([]model.Participant, 0, len(r.participants))
Outer:
	for id, p := range r.participants {
		for _, ex := range exclude {
			if id == ex {
				continue Outer
			}
		}
		out = append(out, p.info)
	}
	return out
}

// State returns the connection state of a present user.
func (r *Room) State(userID model.UserID) (State, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return 0, false
	}
	return p.state, true
}

type recipient struct {
	id       model.UserID
	endpoint Endpoint
}

// Broadcast delivers ev to every connected participant except the listed users.
func (r *Room) Broadcast(ctx context.Context, ev model.Event, except ...model.UserID) {
	r.mx.Lock()
	recipients := make([]recipient, 0, len(r.participants))
Outer:
	for id, p := range r.participants {
		if p.state != StateConnected {
			continue
		}
		for _, ex := range except {
			if id == ex {
				continue Outer
			}
		}
		recipients = append(recipients, recipient{id: id, endpoint: p.endpoint})
	}
	r.mx.Unlock()

	r.deliver(ctx, ev, recipients)
}

// SendTo delivers ev to a single participant.
func (r *Room) SendTo(ctx context.Context, target model.UserID, ev model.Event) error {
	r.mx.Lock()
	p, ok := r.participants[target]
	if !ok {
		r.mx.Unlock()
		return ErrTargetNotFound
	}
	if p.state != StateConnected {
		r.mx.Unlock()
		return ErrTargetUnavailable
	}
	rcpt := recipient{id: target, endpoint: p.endpoint}
	r.mx.Unlock()

	if failed := r.deliver(ctx, ev, []recipient{rcpt}); failed > 0 {
		return ErrTargetUnavailable
	}
	return nil
}

// deliver sends sequentially and demotes failed recipients once the pass is complete.
func (r *Room) deliver(ctx context.Context, ev model.Event, recipients []recipient) int {
	var failed []recipient
	for _, rcpt := range recipients {
		if err := rcpt.endpoint.Send(ctx, ev); err != nil {
			if ctx.Err() != nil {
				// the caller gave up, the recipient is not at fault
				break
			}
			r.logger.Debug().
				Err(err).
				Int64("dst", int64(rcpt.id)).
				Str("type", ev.EventType()).
				Msg("delivery failed")
			failed = append(failed, rcpt)
		}
	}
	for _, rcpt := range failed {
		r.Disconnect(ctx, rcpt.id, rcpt.endpoint)
		rcpt.endpoint.Close()
	}
	return len(failed)
}
