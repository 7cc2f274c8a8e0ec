package service

import (
	"context"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/rs/zerolog"
)

const defaultLedgerWriteTimeout = 5 * time.Second

type LedgerRecorderConfig struct {
	Ledger       Ledger
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

// LedgerRecorder persists participation transitions reported by rooms.
// Writes are queued to a single worker so they keep their order and never
// block the room that reported them.
type LedgerRecorder struct {
	ledger  Ledger
	queue   *taskQueue
	timeout time.Duration
	logger  zerolog.Logger
}

func NewLedgerRecorder(cfg LedgerRecorderConfig) *LedgerRecorder {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultLedgerWriteTimeout
	}
	return &LedgerRecorder{
		ledger:  cfg.Ledger,
		queue:   newTaskQueue(1),
		timeout: timeout,
		logger:  cfg.Logger.With().Str("component", "ledger").Logger(),
	}
}

func (lr *LedgerRecorder) Joined(callID model.CallID, p model.Participant, at time.Time) {
	lr.write("join", callID, p.ID, func(ctx context.Context) error {
		return lr.ledger.RecordJoin(ctx, callID, p.ID, at)
	})
}

func (lr *LedgerRecorder) Reconnecting(callID model.CallID, userID model.UserID, deadline time.Time) {
	lr.write("reconnecting", callID, userID, func(ctx context.Context) error {
		return lr.ledger.RecordReconnecting(ctx, callID, userID, deadline)
	})
}

func (lr *LedgerRecorder) Reconnected(callID model.CallID, userID model.UserID, at time.Time) {
	lr.write("reconnected", callID, userID, func(ctx context.Context) error {
		return lr.ledger.RecordReconnected(ctx, callID, userID, at)
	})
}

func (lr *LedgerRecorder) Left(callID model.CallID, userID model.UserID, reason string, at time.Time) {
	lr.write("leave", callID, userID, func(ctx context.Context) error {
		return lr.ledger.RecordLeave(ctx, callID, userID, reason, at)
	})
}

func (lr *LedgerRecorder) write(op string, callID model.CallID, userID model.UserID, fn func(context.Context) error) {
	ok := lr.queue.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), lr.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			lr.logger.Error().Err(err).
				Str("op", op).
				Str("callID", string(callID)).
				Int64("userID", int64(userID)).
				Msg("ledger write failed")
		}
	})
	if !ok {
		lr.logger.Warn().
			Str("op", op).
			Str("callID", string(callID)).
			Msg("ledger is stopped, write dropped")
	}
}

// Stop flushes pending writes.
func (lr *LedgerRecorder) Stop() {
	lr.queue.stop()
}
