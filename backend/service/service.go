package service

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/storage"
	sw "github.com/adwski/callroom-signaling/backend/switch"
	"github.com/jxskiss/base62"
	"github.com/rs/zerolog"
)

const (
	callIDLength      = 20
	callIDRandomBytes = 16
	maxCreateAttempts = 3
)

var (
	ErrCreate        = errors.New("unable to create call")
	ErrGet           = errors.New("unable to get call")
	ErrEnd           = errors.New("unable to end call")
	ErrNotCreator    = errors.New("only the creator can end the call")
	ErrCallNotActive = errors.New("call is not active")
	ErrExpire        = errors.New("unable to expire calls")
)

type (
	CallDirectory interface {
		CreateCall(ctx context.Context, call *model.Call) error
		GetCall(ctx context.Context, callID model.CallID) (*model.Call, error)
		SetCallStatus(ctx context.Context, callID model.CallID, status model.CallStatus) error
		ListExpiredCalls(ctx context.Context, now time.Time) ([]model.Call, error)
	}

	Ledger interface {
		RecordJoin(ctx context.Context, callID model.CallID, userID model.UserID, at time.Time) error
		RecordReconnecting(ctx context.Context, callID model.CallID, userID model.UserID, deadline time.Time) error
		RecordReconnected(ctx context.Context, callID model.CallID, userID model.UserID, at time.Time) error
		RecordLeave(ctx context.Context, callID model.CallID, userID model.UserID, reason string, at time.Time) error
		ListParticipations(ctx context.Context, callID model.CallID) ([]model.Participation, error)
	}

	Rooms interface {
		GetOrCreate(callID model.CallID) *sw.Room
		GetExisting(callID model.CallID) *sw.Room
	}

	Authenticator interface {
		Verify(token string) (model.Participant, error)
	}

	Service struct {
		directory  CallDirectory
		ledger     Ledger
		rooms      Rooms
		auth       Authenticator
		notifier   *Dispatcher
		defaultTTL time.Duration
		logger     zerolog.Logger
	}

	Config struct {
		Directory  CallDirectory
		Ledger     Ledger
		Rooms      Rooms
		Auth       Authenticator
		Notifier   *Dispatcher
		DefaultTTL time.Duration
		Logger     *zerolog.Logger
	}

	CreateCallRequest struct {
		Title        string `json:"title"`
		VideoEnabled bool   `json:"is_video_enabled"`
		TTLSeconds   int    `json:"ttl_seconds,omitempty"`
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		directory:  cfg.Directory,
		ledger:     cfg.Ledger,
		rooms:      cfg.Rooms,
		auth:       cfg.Auth,
		notifier:   cfg.Notifier,
		defaultTTL: cfg.DefaultTTL,
		logger:     cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// Authenticate resolves a bearer token for the REST API.
func (svc *Service) Authenticate(token string) (model.Participant, error) {
	if token == "" {
		return model.Participant{}, auth.ErrMissingToken
	}
	return svc.auth.Verify(token)
}

func newCallID() (model.CallID, error) {
	b := make([]byte, callIDRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	id := base62.EncodeToString(b)
	if len(id) > callIDLength {
		id = id[:callIDLength]
	}
	return model.CallID(id), nil
}

func (svc *Service) CreateCall(ctx context.Context, creator model.Participant, req CreateCallRequest) (*model.Call, error) {
	now := time.Now()
	call := &model.Call{
		CreatorID:    creator.ID,
		Title:        req.Title,
		VideoEnabled: req.VideoEnabled,
		Status:       model.CallStatusActive,
		CreatedAt:    now,
	}
	ttl := svc.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		call.ExpiresAt = &expiresAt
	}

	for i := 0; i < maxCreateAttempts; i++ {
		id, err := newCallID()
		if err != nil {
			return nil, errors.Join(ErrCreate, err)
		}
		call.ID = id
		err = svc.directory.CreateCall(ctx, call)
		if errors.Is(err, storage.ErrCallExists) {
			continue
		}
		if err != nil {
			return nil, errors.Join(ErrCreate, err)
		}
		svc.logger.Debug().
			Str("callID", string(call.ID)).
			Int64("creatorID", int64(creator.ID)).
			Msg("call created")
		return call, nil
	}
	return nil, errors.Join(ErrCreate, storage.ErrCallExists)
}

// GetCall returns the call together with the users currently present in its room.
func (svc *Service) GetCall(ctx context.Context, callID model.CallID) (*model.Call, []model.Participant, error) {
	call, err := svc.directory.GetCall(ctx, callID)
	if err != nil {
		return nil, nil, errors.Join(ErrGet, err)
	}
	participants := []model.Participant{}
	if room := svc.rooms.GetExisting(callID); room != nil {
		participants = room.List()
	}
	return call, participants, nil
}

func (svc *Service) ListParticipations(ctx context.Context, callID model.CallID) ([]model.Participation, error) {
	if _, err := svc.directory.GetCall(ctx, callID); err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	ps, err := svc.ledger.ListParticipations(ctx, callID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return ps, nil
}

// GetCallStats aggregates the ledger history of a call.
func (svc *Service) GetCallStats(ctx context.Context, callID model.CallID) (*model.CallStats, error) {
	ps, err := svc.ListParticipations(ctx, callID)
	if err != nil {
		return nil, err
	}
	stats := model.NewCallStats(callID, ps, time.Now())
	if room := svc.rooms.GetExisting(callID); room != nil {
		stats.ActiveParticipants = room.Len()
	}
	return &stats, nil
}

func (svc *Service) EndCall(ctx context.Context, requester model.Participant, callID model.CallID) error {
	call, err := svc.directory.GetCall(ctx, callID)
	if err != nil {
		return errors.Join(ErrEnd, err)
	}
	if call.CreatorID != requester.ID {
		return ErrNotCreator
	}
	if call.Status != model.CallStatusActive {
		return ErrCallNotActive
	}
	if err = svc.directory.SetCallStatus(ctx, callID, model.CallStatusEnded); err != nil {
		return errors.Join(ErrEnd, err)
	}
	svc.logger.Debug().
		Str("callID", string(callID)).
		Int64("userID", int64(requester.ID)).
		Msg("call ended")
	svc.notifier.NotifyCallEnded(callID, model.CallEndedReasonEnded)
	return nil
}

// ExpireCalls marks active calls past their expiry as expired and notifies about each of them.
func (svc *Service) ExpireCalls(ctx context.Context) (int, error) {
	calls, err := svc.directory.ListExpiredCalls(ctx, time.Now())
	if err != nil {
		return 0, errors.Join(ErrExpire, err)
	}
	var expired int
	for _, call := range calls {
		if err = svc.directory.SetCallStatus(ctx, call.ID, model.CallStatusExpired); err != nil {
			svc.logger.Error().Err(err).Str("callID", string(call.ID)).Msg("failed to expire call")
			continue
		}
		expired++
		svc.notifier.NotifyCallEnded(call.ID, model.CallEndedReasonExpired)
	}
	if expired > 0 {
		svc.logger.Info().Int("count", expired).Msg("calls expired")
	}
	return expired, nil
}

// RunExpiry periodically expires calls until ctx is done.
func (svc *Service) RunExpiry(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	defer func() {
		svc.logger.Debug().Msg("expiry loop stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExpireCalls(ctx); err != nil {
				svc.logger.Error().Err(err).Msg("call expiry failed")
			}
		}
	}
}
