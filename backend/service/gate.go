package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/metrics"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/storage"
	sw "github.com/adwski/callroom-signaling/backend/switch"
)

type RejectCode string

// Admission rejection codes. They are stable and visible to clients.
const (
	RejectMissingToken  RejectCode = "missing_token"
	RejectInvalidToken  RejectCode = "invalid_token"
	RejectCallNotFound  RejectCode = "call_not_found"
	RejectCallExpired   RejectCode = "call_expired"
	RejectCallNotActive RejectCode = "call_not_active"
	RejectRoomFull      RejectCode = "room_full"
	RejectInternal      RejectCode = "internal_error"
)

const maxJoinAttempts = 3

type AdmissionError struct {
	Code RejectCode
	Err  error
}

func (e *AdmissionError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func reject(code RejectCode, err error) *AdmissionError {
	metrics.AdmissionRejected(string(code))
	return &AdmissionError{Code: code, Err: err}
}

// Admit authenticates the token and checks that the call can be joined right now.
func (svc *Service) Admit(ctx context.Context, callID model.CallID, token string) (model.Participant, error) {
	if token == "" {
		return model.Participant{}, reject(RejectMissingToken, auth.ErrMissingToken)
	}
	user, err := svc.auth.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			return model.Participant{}, reject(RejectMissingToken, err)
		}
		return model.Participant{}, reject(RejectInvalidToken, err)
	}

	call, err := svc.directory.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, storage.ErrCallNotFound) {
			return model.Participant{}, reject(RejectCallNotFound, err)
		}
		return model.Participant{}, reject(RejectInternal, err)
	}
	if call.Expired(time.Now()) {
		return model.Participant{}, reject(RejectCallExpired, nil)
	}
	if call.Status != model.CallStatusActive {
		return model.Participant{}, reject(RejectCallNotActive, nil)
	}
	return user, nil
}

// JoinRoom places an admitted user into the call's room, retrying if the room
// was closed by cleanup between lookup and join.
func (svc *Service) JoinRoom(
	ctx context.Context,
	callID model.CallID,
	user model.Participant,
	ep sw.Endpoint,
) (*sw.Room, sw.JoinResult, error) {
	for i := 0; i < maxJoinAttempts; i++ {
		room := svc.rooms.GetOrCreate(callID)
		res, err := room.Join(ctx, user, ep)
		switch {
		case err == nil:
			return room, res, nil
		case errors.Is(err, sw.ErrRoomClosed):
			continue
		case errors.Is(err, sw.ErrRoomFull):
			return nil, res, reject(RejectRoomFull, err)
		default:
			return nil, res, reject(RejectInternal, err)
		}
	}
	return nil, sw.JoinResult{}, reject(RejectInternal, sw.ErrRoomClosed)
}
