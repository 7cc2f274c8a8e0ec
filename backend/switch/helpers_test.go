package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/rs/zerolog"
)

var errFakeSend = errors.New("fake send failure")

type fakeEndpoint struct {
	mx     sync.Mutex
	events []model.Event
	fail   bool
	closed bool
}

func (f *fakeEndpoint) Send(_ context.Context, ev model.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.fail || f.closed {
		return errFakeSend
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEndpoint) Close() {
	f.mx.Lock()
	f.closed = true
	f.mx.Unlock()
}

func (f *fakeEndpoint) setFail() {
	f.mx.Lock()
	f.fail = true
	f.mx.Unlock()
}

func (f *fakeEndpoint) isClosed() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.closed
}

func (f *fakeEndpoint) types() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (f *fakeEndpoint) eventsOf(typ string) []model.Event {
	f.mx.Lock()
	defer f.mx.Unlock()
	var out []model.Event
	for _, ev := range f.events {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

type recorded struct {
	op     string
	userID model.UserID
	reason string
}

type fakeRecorder struct {
	mx  sync.Mutex
	ops []recorded
}

func (f *fakeRecorder) add(r recorded) {
	f.mx.Lock()
	f.ops = append(f.ops, r)
	f.mx.Unlock()
}

func (f *fakeRecorder) Joined(_ model.CallID, p model.Participant, _ time.Time) {
	f.add(recorded{op: "joined", userID: p.ID})
}

func (f *fakeRecorder) Reconnecting(_ model.CallID, userID model.UserID, _ time.Time) {
	f.add(recorded{op: "reconnecting", userID: userID})
}

func (f *fakeRecorder) Reconnected(_ model.CallID, userID model.UserID, _ time.Time) {
	f.add(recorded{op: "reconnected", userID: userID})
}

func (f *fakeRecorder) Left(_ model.CallID, userID model.UserID, reason string, _ time.Time) {
	f.add(recorded{op: "left", userID: userID, reason: reason})
}

func (f *fakeRecorder) snapshot() []recorded {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]recorded(nil), f.ops...)
}

func newTestRoom(maxParticipants int, reconnectTimeout time.Duration, rec Recorder) *Room {
	logger := zerolog.Nop()
	return NewRoom(RoomConfig{
		CallID:           "call-1",
		MaxParticipants:  maxParticipants,
		ReconnectTimeout: reconnectTimeout,
		Recorder:         rec,
		Logger:           &logger,
	})
}

func newTestSwitch(sweepInterval, reconnectTimeout time.Duration) *Switch {
	logger := zerolog.Nop()
	return NewSwitch(Config{
		Logger:           &logger,
		MaxParticipants:  8,
		ReconnectTimeout: reconnectTimeout,
		SweepInterval:    sweepInterval,
	})
}

func user(id int64) model.Participant {
	return model.Participant{ID: model.UserID(id), Username: "user"}
}
