// Package storagetest holds the behavior every storage driver must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/storage"
	"github.com/stretchr/testify/require"
)

type Store interface {
	CreateCall(ctx context.Context, call *model.Call) error
	GetCall(ctx context.Context, callID model.CallID) (*model.Call, error)
	SetCallStatus(ctx context.Context, callID model.CallID, status model.CallStatus) error
	ListExpiredCalls(ctx context.Context, now time.Time) ([]model.Call, error)

	RecordJoin(ctx context.Context, callID model.CallID, userID model.UserID, at time.Time) error
	RecordReconnecting(ctx context.Context, callID model.CallID, userID model.UserID, deadline time.Time) error
	RecordReconnected(ctx context.Context, callID model.CallID, userID model.UserID, at time.Time) error
	RecordLeave(ctx context.Context, callID model.CallID, userID model.UserID, reason string, at time.Time) error
	ListParticipations(ctx context.Context, callID model.CallID) ([]model.Participation, error)
}

func Run(t *testing.T, s Store) {
	t.Run("calls", func(t *testing.T) { testCalls(t, s) })
	t.Run("participations", func(t *testing.T) { testParticipations(t, s) })
}

func testCalls(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	active := &model.Call{
		ID:           "call-active",
		CreatorID:    1,
		Title:        "standup",
		VideoEnabled: true,
		Status:       model.CallStatusActive,
		CreatedAt:    now,
		ExpiresAt:    &future,
	}
	stale := &model.Call{
		ID:        "call-stale",
		CreatorID: 2,
		Status:    model.CallStatusActive,
		CreatedAt: now,
		ExpiresAt: &past,
	}
	require.NoError(t, s.CreateCall(ctx, active))
	require.NoError(t, s.CreateCall(ctx, stale))
	require.ErrorIs(t, s.CreateCall(ctx, active), storage.ErrCallExists)

	got, err := s.GetCall(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, active.ID, got.ID)
	require.Equal(t, active.CreatorID, got.CreatorID)
	require.Equal(t, active.Title, got.Title)
	require.True(t, got.VideoEnabled)
	require.Equal(t, model.CallStatusActive, got.Status)
	require.True(t, active.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.ExpiresAt)
	require.True(t, future.Equal(*got.ExpiresAt))

	_, err = s.GetCall(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrCallNotFound)

	expired, err := s.ListExpiredCalls(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, stale.ID, expired[0].ID)

	require.NoError(t, s.SetCallStatus(ctx, stale.ID, model.CallStatusExpired))
	got, err = s.GetCall(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, model.CallStatusExpired, got.Status)
	require.ErrorIs(t, s.SetCallStatus(ctx, "missing", model.CallStatusEnded), storage.ErrCallNotFound)

	expired, err = s.ListExpiredCalls(ctx, now)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func testParticipations(t *testing.T, s Store) {
	ctx := context.Background()
	callID := model.CallID("call-history")
	t0 := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.RecordJoin(ctx, callID, 1, t0))
	// a second join while the row is open does not duplicate it
	require.NoError(t, s.RecordJoin(ctx, callID, 1, t0.Add(time.Second)))
	require.NoError(t, s.RecordJoin(ctx, callID, 2, t0.Add(time.Second)))

	deadline := t0.Add(30 * time.Second)
	require.NoError(t, s.RecordReconnecting(ctx, callID, 2, deadline))

	ps, err := s.ListParticipations(ctx, callID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	require.Equal(t, model.UserID(1), ps[0].UserID)
	require.True(t, t0.Equal(ps[0].JoinedAt))
	require.Nil(t, ps[0].ReconnectDeadline)
	require.NotNil(t, ps[1].ReconnectDeadline)
	require.True(t, deadline.Equal(*ps[1].ReconnectDeadline))

	require.NoError(t, s.RecordReconnected(ctx, callID, 2, t0.Add(2*time.Second)))
	leftAt := t0.Add(time.Minute)
	require.NoError(t, s.RecordLeave(ctx, callID, 1, model.LeaveReasonExplicit, leftAt))
	// leaving twice only closes the open row
	require.NoError(t, s.RecordLeave(ctx, callID, 1, model.LeaveReasonReconnectTimeout, leftAt.Add(time.Minute)))

	ps, err = s.ListParticipations(ctx, callID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	require.False(t, ps[0].Open())
	require.True(t, leftAt.Equal(*ps[0].LeftAt))
	require.Equal(t, model.LeaveReasonExplicit, ps[0].LeaveReason)
	require.True(t, ps[1].Open())
	require.Nil(t, ps[1].ReconnectDeadline)

	// rejoin after leaving opens a new row
	require.NoError(t, s.RecordJoin(ctx, callID, 1, leftAt.Add(time.Second)))
	ps, err = s.ListParticipations(ctx, callID)
	require.NoError(t, err)
	require.Len(t, ps, 3)
	require.True(t, ps[2].Open())

	ps, err = s.ListParticipations(ctx, "call-without-history")
	require.NoError(t, err)
	require.Empty(t, ps)
}
