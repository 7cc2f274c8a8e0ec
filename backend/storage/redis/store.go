package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/storage"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "callroom"

	callsKey          = "calls"
	participationsKey = "participations"

	maxTxRetries = 5
)

var ErrTxConflict = errors.New("redis transaction kept conflicting")

// Store keeps calls in one hash and each call's participation history in a list.
type Store struct {
	rc     redis.UniversalClient
	prefix string
}

func NewStore(rc redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rc: rc, prefix: prefix}
}

func (s *Store) callsKey() string {
	return s.prefix + ":" + callsKey
}

func (s *Store) participationsKey(callID model.CallID) string {
	return s.prefix + ":" + participationsKey + ":" + string(callID)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rc.Ping(ctx).Err()
}

func (s *Store) CreateCall(ctx context.Context, call *model.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	ok, err := s.rc.HSetNX(ctx, s.callsKey(), string(call.ID), data).Result()
	if err != nil {
		return fmt.Errorf("store call: %w", err)
	}
	if !ok {
		return storage.ErrCallExists
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, callID model.CallID) (*model.Call, error) {
	data, err := s.rc.HGet(ctx, s.callsKey(), string(callID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrCallNotFound
		}
		return nil, fmt.Errorf("load call: %w", err)
	}
	var call model.Call
	if err = json.Unmarshal([]byte(data), &call); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return &call, nil
}

func (s *Store) SetCallStatus(ctx context.Context, callID model.CallID, status model.CallStatus) error {
	key := s.callsKey()
	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, string(callID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrCallNotFound
			}
			return err
		}
		var call model.Call
		if err = json.Unmarshal([]byte(data), &call); err != nil {
			return fmt.Errorf("decode call: %w", err)
		}
		call.Status = status
		b, err := json.Marshal(&call)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, string(callID), b)
			return nil
		})
		return err
	}, key)
}

func (s *Store) ListExpiredCalls(ctx context.Context, now time.Time) ([]model.Call, error) {
	items, err := s.rc.HVals(ctx, s.callsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	var out []model.Call
	for _, item := range items {
		var call model.Call
		if err = json.Unmarshal([]byte(item), &call); err != nil {
			return nil, fmt.Errorf("decode call: %w", err)
		}
		if call.Status == model.CallStatusActive && call.Expired(now) {
			out = append(out, call)
		}
	}
	return out, nil
}

// watch runs fn in an optimistic transaction, retrying when the watched keys change.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rc.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

func (s *Store) RecordJoin(ctx context.Context, callID model.CallID, userID model.UserID, at time.Time) error {
	key := s.participationsKey(callID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		idx, _, err := s.findOpen(ctx, tx, key, userID)
		if err != nil {
			return err
		}
		if idx >= 0 {
			return nil
		}
		b, err := json.Marshal(&model.Participation{CallID: callID, UserID: userID, JoinedAt: at})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, b)
			return nil
		})
		return err
	}, key)
}

func (s *Store) RecordReconnecting(ctx context.Context, callID model.CallID, userID model.UserID, deadline time.Time) error {
	return s.updateOpen(ctx, callID, userID, func(p *model.Participation) {
		p.ReconnectDeadline = &deadline
	})
}

func (s *Store) RecordReconnected(ctx context.Context, callID model.CallID, userID model.UserID, _ time.Time) error {
	return s.updateOpen(ctx, callID, userID, func(p *model.Participation) {
		p.ReconnectDeadline = nil
	})
}

func (s *Store) RecordLeave(ctx context.Context, callID model.CallID, userID model.UserID, reason string, at time.Time) error {
	return s.updateOpen(ctx, callID, userID, func(p *model.Participation) {
		p.LeftAt = &at
		p.LeaveReason = reason
		p.ReconnectDeadline = nil
	})
}

func (s *Store) updateOpen(ctx context.Context, callID model.CallID, userID model.UserID, mutate func(*model.Participation)) error {
	key := s.participationsKey(callID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		idx, p, err := s.findOpen(ctx, tx, key, userID)
		if err != nil || idx < 0 {
			return err
		}
		mutate(p)
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, key, int64(idx), b)
			return nil
		})
		return err
	}, key)
}

func (s *Store) findOpen(ctx context.Context, tx *redis.Tx, key string, userID model.UserID) (int, *model.Participation, error) {
	items, err := tx.LRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return -1, nil, fmt.Errorf("load participations: %w", err)
	}
	for i := len(items) - 1; i >= 0; i-- {
		var p model.Participation
		if err = json.Unmarshal([]byte(items[i]), &p); err != nil {
			return -1, nil, fmt.Errorf("decode participation: %w", err)
		}
		if p.UserID == userID && p.Open() {
			return i, &p, nil
		}
	}
	return -1, nil, nil
}

func (s *Store) ListParticipations(ctx context.Context, callID model.CallID) ([]model.Participation, error) {
	items, err := s.rc.LRange(ctx, s.participationsKey(callID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load participations: %w", err)
	}
	out := make([]model.Participation, 0, len(items))
	for _, item := range items {
		var p model.Participation
		if err = json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("decode participation: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}
