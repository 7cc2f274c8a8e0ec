package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrConnClosed  = errors.New("connection is closed")
	ErrSendTimeout = errors.New("send queue is full")
	errOversized   = errors.New("message exceeds size limit")
)

// connection is the room-facing side of one websocket. Events are queued
// and written by the sender goroutine.
type connection struct {
	id     string
	ws     *websocket.Conn
	queue  chan model.Event
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	forwardTimeout time.Duration

	mx        sync.Mutex
	closeCode int
	closeText string
}

func newConnection(id string, ws *websocket.Conn, forwardTimeout time.Duration, logger *zerolog.Logger) *connection {
	return &connection{
		id:             id,
		ws:             ws,
		queue:          make(chan model.Event, defaultSendQueueSize),
		done:           make(chan struct{}),
		forwardTimeout: forwardTimeout,
		closeCode:      websocket.CloseNormalClosure,
		logger:         *logger,
	}
}

func (c *connection) Send(ctx context.Context, ev model.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	timer := time.NewTimer(c.forwardTimeout)
	defer timer.Stop()
	select {
	case c.queue <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Close asks the sender to flush queued events and close the websocket normally.
func (c *connection) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *connection) closeWith(code int, text string) {
	c.once.Do(func() {
		c.mx.Lock()
		c.closeCode, c.closeText = code, text
		c.mx.Unlock()
		close(c.done)
	})
}

func (c *connection) closeReason() (int, string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closeCode, c.closeText
}

func (c *connection) closed() <-chan struct{} {
	return c.done
}

type inbound struct {
	msg model.Inbound
	err error
}

// webSocketSender writes greeting before anything queued through Send.
func webSocketSender(ctx context.Context, wg *sync.WaitGroup, c *connection, greeting []model.Event) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
	for _, ev := range greeting {
		if err := writeEvent(c.ws, ev); err != nil {
			c.logger.Debug().Err(err).Str("type", ev.EventType()).Msg("failed to write greeting")
			return
		}
	}
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-c.done:
			// flush what was queued before close, call_ended in particular
			for {
				select {
				case ev := <-c.queue:
					if err := writeEvent(c.ws, ev); err != nil {
						c.logger.Debug().Err(err).Msg("failed to flush outgoing event")
						break SendLoop
					}
				default:
					break SendLoop
				}
			}
		case <-pingTicker.C:
			wsErr := c.ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				c.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = c.ws.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				c.logger.Debug().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			c.logger.Trace().Msg("ping sent")
		case ev := <-c.queue:
			if err := writeEvent(c.ws, ev); err != nil {
				c.logger.Debug().Err(err).Str("type", ev.EventType()).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev model.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	return w.Close()
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	c *connection,
	maxMessageSize int64,
	rx chan<- inbound,
) {
	defer wg.Done()

	// no transport read limit: readFrame buffers at most maxMessageSize
	// and drains the rest
	readDeadLineFunc := func(deadline time.Duration) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	}
	c.ws.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		b, err := readFrame(c.ws, maxMessageSize)
		if err != nil && !errors.Is(err, errOversized) {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection closed by peer")
			} else {
				c.logger.Debug().Err(err).Msg("receive failed")
			}
			return
		}

		var in inbound
		if err != nil {
			in.err = err
		} else {
			in.msg, in.err = model.DecodeInbound(b)
			if in.err != nil && c.logger.GetLevel() <= zerolog.TraceLevel {
				c.logger.Trace().Str("frame", spew.Sdump(b)).Msg("rejected frame")
			}
		}
		select {
		case rx <- in:
		case <-ctx.Done():
			return
		}
	}
}

// readFrame reads one message. An oversized message is drained and reported
// with errOversized so the connection stays usable.
func readFrame(conn *websocket.Conn, maxMessageSize int64) ([]byte, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(io.LimitReader(r, maxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxMessageSize {
		if _, err = io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return nil, errOversized
	}
	return b, nil
}

func webSocketCloser(conn *websocket.Conn, code int, text string, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
