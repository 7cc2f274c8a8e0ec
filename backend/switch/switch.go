package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/metrics"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultMaxParticipants  = 8
	defaultReconnectTimeout = 30 * time.Second
	defaultSweepInterval    = time.Minute
)

type Config struct {
	Logger           *zerolog.Logger
	Recorder         Recorder
	MaxParticipants  int
	ReconnectTimeout time.Duration
	SweepInterval    time.Duration
}

// Switch is the registry of live rooms keyed by call id.
// It is the only place where rooms are created and dropped.
type Switch struct {
	logger           zerolog.Logger
	parentLogger     *zerolog.Logger
	recorder         Recorder
	maxParticipants  int
	reconnectTimeout time.Duration
	sweepInterval    time.Duration

	mx    sync.Mutex
	rooms map[model.CallID]*Room

	runMx  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSwitch(cfg Config) *Switch {
	sw := &Switch{
		logger:           cfg.Logger.With().Str("component", "switch").Logger(),
		parentLogger:     cfg.Logger,
		recorder:         cfg.Recorder,
		maxParticipants:  cfg.MaxParticipants,
		reconnectTimeout: cfg.ReconnectTimeout,
		sweepInterval:    cfg.SweepInterval,
		rooms:            make(map[model.CallID]*Room),
	}
	if sw.maxParticipants <= 0 {
		sw.maxParticipants = defaultMaxParticipants
	}
	if sw.reconnectTimeout <= 0 {
		sw.reconnectTimeout = defaultReconnectTimeout
	}
	if sw.sweepInterval <= 0 {
		sw.sweepInterval = defaultSweepInterval
	}
	return sw
}

func (sw *Switch) ReconnectTimeout() time.Duration {
	return sw.reconnectTimeout
}

// GetOrCreate returns the live room for the call, creating it if there is none.
// A room that was closed by cleanup is replaced by a fresh one.
func (sw *Switch) GetOrCreate(callID model.CallID) *Room {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room, ok := sw.rooms[callID]
	if ok && !room.Closed() {
		return room
	}
	room = NewRoom(RoomConfig{
		CallID:           callID,
		MaxParticipants:  sw.maxParticipants,
		ReconnectTimeout: sw.reconnectTimeout,
		Recorder:         sw.recorder,
		Logger:           sw.parentLogger,
		OnEmpty: func(id model.CallID) {
			sw.TryCleanup(id)
		},
	})
	if ok {
		// closed room that cleanup has not dropped yet
		metrics.RoomClosed()
	}
	metrics.RoomCreated()
	sw.rooms[callID] = room
	sw.logger.Debug().Str("callID", string(callID)).Msg("room created")
	return room
}

// GetExisting is a non-creating lookup.
func (sw *Switch) GetExisting(callID model.CallID) *Room {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room, ok := sw.rooms[callID]
	if !ok || room.Closed() {
		return nil
	}
	return room
}

// TryCleanup drops the room if it is empty. The room is closed under its own lock first,
// then removed only if the registry still points to the same instance.
func (sw *Switch) TryCleanup(callID model.CallID) bool {
	sw.mx.Lock()
	room, ok := sw.rooms[callID]
	sw.mx.Unlock()
	if !ok {
		return false
	}
	if !room.closeIfEmpty() {
		return false
	}

	sw.mx.Lock()
	defer sw.mx.Unlock()
	if sw.rooms[callID] != room {
		return false
	}
	delete(sw.rooms, callID)
	metrics.RoomClosed()
	sw.logger.Debug().Str("callID", string(callID)).Msg("room removed")
	return true
}

func (sw *Switch) Len() int {
	sw.mx.Lock()
	defer sw.mx.Unlock()
	return len(sw.rooms)
}

// Sweep removes rooms that are empty and had no activity for at least the sweep interval.
func (sw *Switch) Sweep(now time.Time) int {
	sw.mx.Lock()
	candidates := make([]*Room, 0, len(sw.rooms))
	for _, room := range sw.rooms {
		if room.IsEmpty() && now.Sub(room.LastActivity()) >= sw.sweepInterval {
			candidates = append(candidates, room)
		}
	}
	sw.mx.Unlock()

	var removed int
	for _, room := range candidates {
		if sw.TryCleanup(room.ID()) {
			removed++
		}
	}
	if removed > 0 {
		sw.logger.Debug().Int("removed", removed).Msg("idle rooms swept")
	}
	return removed
}

// Start launches the idle sweep. It is a no-op if the sweep is already running.
func (sw *Switch) Start(ctx context.Context) {
	sw.runMx.Lock()
	defer sw.runMx.Unlock()
	if sw.cancel != nil {
		return
	}
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})
	go sw.sweepLoop(ctx, sw.done)
	sw.logger.Info().Dur("interval", sw.sweepInterval).Msg("idle sweep started")
}

// Stop halts the idle sweep and waits for it to exit.
func (sw *Switch) Stop() {
	sw.runMx.Lock()
	defer sw.runMx.Unlock()
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
	sw.cancel = nil
	sw.logger.Debug().Msg("idle sweep stopped")
}

func (sw *Switch) sweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(sw.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sw.Sweep(now)
		}
	}
}
