package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/storage"
)

// MemStore keeps calls and participation history in process memory.
type MemStore struct {
	mx             *sync.Mutex
	calls          map[model.CallID]*model.Call
	participations map[model.CallID][]*model.Participation
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:             &sync.Mutex{},
		calls:          make(map[model.CallID]*model.Call),
		participations: make(map[model.CallID][]*model.Participation),
	}
}

func (ms *MemStore) CreateCall(_ context.Context, call *model.Call) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.calls[call.ID]; ok {
		return storage.ErrCallExists
	}
	c := *call
	ms.calls[call.ID] = &c
	return nil
}

func (ms *MemStore) GetCall(_ context.Context, callID model.CallID) (*model.Call, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	call, ok := ms.calls[callID]
	if !ok {
		return nil, storage.ErrCallNotFound
	}
	c := *call
	return &c, nil
}

func (ms *MemStore) SetCallStatus(_ context.Context, callID model.CallID, status model.CallStatus) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	call, ok := ms.calls[callID]
	if !ok {
		return storage.ErrCallNotFound
	}
	call.Status = status
	return nil
}

func (ms *MemStore) ListExpiredCalls(_ context.Context, now time.Time) ([]model.Call, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var out []model.Call
	for _, call := range ms.calls {
		if call.Status == model.CallStatusActive && call.Expired(now) {
			out = append(out, *call)
		}
	}
	return out, nil
}

func (ms *MemStore) openLocked(callID model.CallID, userID model.UserID) *model.Participation {
	ps := ms.participations[callID]
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].UserID == userID && ps[i].Open() {
			return ps[i]
		}
	}
	return nil
}

func (ms *MemStore) RecordJoin(_ context.Context, callID model.CallID, userID model.UserID, at time.Time) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if ms.openLocked(callID, userID) != nil {
		return nil
	}
	ms.participations[callID] = append(ms.participations[callID], &model.Participation{
		CallID:   callID,
		UserID:   userID,
		JoinedAt: at,
	})
	return nil
}

func (ms *MemStore) RecordReconnecting(_ context.Context, callID model.CallID, userID model.UserID, deadline time.Time) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if p := ms.openLocked(callID, userID); p != nil {
		p.ReconnectDeadline = &deadline
	}
	return nil
}

func (ms *MemStore) RecordReconnected(_ context.Context, callID model.CallID, userID model.UserID, _ time.Time) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if p := ms.openLocked(callID, userID); p != nil {
		p.ReconnectDeadline = nil
	}
	return nil
}

func (ms *MemStore) RecordLeave(_ context.Context, callID model.CallID, userID model.UserID, reason string, at time.Time) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if p := ms.openLocked(callID, userID); p != nil {
		p.LeftAt = &at
		p.LeaveReason = reason
		p.ReconnectDeadline = nil
	}
	return nil
}

func (ms *MemStore) ListParticipations(_ context.Context, callID model.CallID) ([]model.Participation, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ps := ms.participations[callID]
	out := make([]model.Participation, 0, len(ps))
	for _, p := range ps {
		out = append(out, *p)
	}
	return out, nil
}
