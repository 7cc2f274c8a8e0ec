package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultNotifyTimeout = 5 * time.Second
	notifyWorkers        = 4
)

var ErrWebhook = errors.New("webhook rejected notification")

type Notifier interface {
	NotifyCallEnded(ctx context.Context, callID model.CallID, reason string) error
}

type DispatcherConfig struct {
	Notifiers []Notifier
	Timeout   time.Duration
	Logger    *zerolog.Logger
}

// Dispatcher fans call-ended notifications out to notifiers in the background.
type Dispatcher struct {
	notifiers []Notifier
	queue     *taskQueue
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &Dispatcher{
		notifiers: cfg.Notifiers,
		queue:     newTaskQueue(notifyWorkers),
		timeout:   timeout,
		logger:    cfg.Logger.With().Str("component", "notifier").Logger(),
	}
}

// NotifyCallEnded never blocks on notifiers. Their failures are logged.
func (d *Dispatcher) NotifyCallEnded(callID model.CallID, reason string) {
	if d == nil {
		return
	}
	for _, n := range d.notifiers {
		d.queue.submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := n.NotifyCallEnded(ctx, callID, reason); err != nil {
				d.logger.Error().Err(err).
					Str("callID", string(callID)).
					Str("reason", reason).
					Msg("call ended notification failed")
			}
		})
	}
}

func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	d.queue.stop()
}

// RoomNotifier terminates the live room of an ended call.
type RoomNotifier struct {
	rooms Rooms
}

func NewRoomNotifier(rooms Rooms) *RoomNotifier {
	return &RoomNotifier{rooms: rooms}
}

func (rn *RoomNotifier) NotifyCallEnded(ctx context.Context, callID model.CallID, reason string) error {
	if room := rn.rooms.GetExisting(callID); room != nil {
		room.End(ctx, reason)
	}
	return nil
}

type webhookPayload struct {
	CallID  model.CallID `json:"call_id"`
	Reason  string       `json:"reason"`
	EndedAt time.Time    `json:"ended_at"`
}

// WebhookNotifier posts call-ended events to an external URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{url: url, client: client}
}

func (wn *WebhookNotifier) NotifyCallEnded(ctx context.Context, callID model.CallID, reason string) error {
	body, err := json.Marshal(webhookPayload{
		CallID:  callID,
		Reason:  reason,
		EndedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wn.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := wn.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrWebhook, resp.StatusCode)
	}
	return nil
}
