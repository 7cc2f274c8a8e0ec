package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/metrics"
	"github.com/adwski/callroom-signaling/backend/model"
	sw "github.com/adwski/callroom-signaling/backend/switch"
	"github.com/gorilla/websocket"
)

// handleWSConn runs the signaling loop of one joined connection and
// finalizes the participant when the loop ends.
func (srv *Server) handleWSConn(c *connection, room *sw.Room, user model.Participant, res sw.JoinResult) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg         = &sync.WaitGroup{}
		rx         = make(chan inbound)
		senderDone = make(chan struct{})
	)
	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, c, srv.maxMessageSize, rx)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, c, welcome(room, res))
		close(senderDone)
		cancel()
	}()

	explicit := srv.signalingLoop(ctx, c, room, user, rx)

	if !explicit {
		dCtx, dCancel := context.WithTimeout(context.Background(), defaultDisconnectTimeout)
		if room.Disconnect(dCtx, user.ID, c) {
			c.logger.Debug().Msg("participant dropped, reconnect window started")
		}
		dCancel()
	}

	c.Close()
	<-senderDone
	code, text := c.closeReason()
	webSocketCloser(c.ws, code, text, &c.logger)
	cancel()
	wg.Wait()
	c.logger.Debug().Bool("explicitLeave", explicit).Msg("signaling session ended")
}

// welcome tells the joiner who was here at join time and when the call started.
func welcome(room *sw.Room, res sw.JoinResult) []model.Event {
	return []model.Event{
		model.NewParticipantsSnapshot(res.Others),
		model.NewCallMetadata(room.StartedAt()),
	}
}

// signalingLoop dispatches inbound messages until the connection goes away,
// the call hits its duration limit or the user leaves. It reports whether
// the user left explicitly.
func (srv *Server) signalingLoop(
	ctx context.Context,
	c *connection,
	room *sw.Room,
	user model.Participant,
	rx <-chan inbound,
) bool {
	durationTimer := time.NewTimer(srv.maxCallDuration)
	defer durationTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.closed():
			return false
		case <-durationTimer.C:
			c.logger.Debug().Msg("max call duration exceeded")
			if err := c.Send(ctx, model.NewCallEnded(model.CallEndedReasonDuration)); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send call ended notice")
			}
			c.closeWith(websocket.CloseNormalClosure, model.CallEndedReasonDuration)
			return false
		case in := <-rx:
			if srv.dispatch(ctx, c, room, user, in) {
				return true
			}
		}
	}
}

func (srv *Server) dispatch(ctx context.Context, c *connection, room *sw.Room, user model.Participant, in inbound) bool {
	if in.err != nil {
		detail := "malformed message"
		switch {
		case errors.Is(in.err, errOversized):
			detail = fmt.Sprintf("message exceeds %d bytes", srv.maxMessageSize)
		case errors.Is(in.err, model.ErrMissingType), errors.Is(in.err, model.ErrMissingTarget):
			detail = in.err.Error()
		}
		replyError(ctx, c, model.ErrorCodeInvalidMessage, detail)
		return false
	}

	switch msg := in.msg.(type) {
	case model.Signal:
		err := room.SendTo(ctx, msg.To, model.NewSignalEvent(msg.Kind, msg.Payload, user))
		switch {
		case err == nil:
			metrics.SignalRelayed(string(msg.Kind))
		case errors.Is(err, sw.ErrTargetNotFound):
			replyError(ctx, c, model.ErrorCodeTargetNotFound,
				fmt.Sprintf("user %d is not in the call", msg.To))
		case errors.Is(err, sw.ErrTargetUnavailable):
			replyError(ctx, c, model.ErrorCodeTargetUnavailable,
				fmt.Sprintf("user %d is reconnecting", msg.To))
		default:
			c.logger.Error().Err(err).Msg("signal relay failed")
		}
	case model.Leave:
		room.ExplicitLeave(ctx, user.ID, c)
		return true
	case model.Unrecognized:
		replyError(ctx, c, model.ErrorCodeUnsupportedMessageType,
			fmt.Sprintf("unsupported message type %q", msg.Type))
	}
	return false
}

func replyError(ctx context.Context, c *connection, code, detail string) {
	metrics.ProtocolError(code)
	if err := c.Send(ctx, model.NewError(code, detail)); err != nil {
		c.logger.Debug().Err(err).Str("code", code).Msg("failed to send error")
	}
}
