package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/service"
	sw "github.com/adwski/callroom-signaling/backend/switch"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultDisconnectTimeout = 2 * time.Second
	defaultForwardTimeout    = time.Second
	defaultSendQueueSize     = 64

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultMaxCallDuration             = 4 * time.Hour

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

// Application close codes.
const (
	CloseReplaced        = 4000
	CloseUnauthenticated = 4401
	CloseCallUnavailable = 4404
	CloseRoomFull        = 4409
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		Admit(ctx context.Context, callID model.CallID, token string) (model.Participant, error)
		JoinRoom(ctx context.Context, callID model.CallID, user model.Participant, ep sw.Endpoint) (*sw.Room, sw.JoinResult, error)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		MaxMessageSize   int64
		MaxCallDuration  time.Duration
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		maxMessageSize  int64
		maxCallDuration time.Duration

		mx    sync.Mutex
		conns map[*connection]struct{}

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:          cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:             cfg.SignalingService,
		maxMessageSize:  cfg.MaxMessageSize,
		maxCallDuration: cfg.MaxCallDuration,
		conns:           make(map[*connection]struct{}),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.maxCallDuration <= 0 {
		srv.maxCallDuration = defaultMaxCallDuration
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/calls/{callID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		srv.closeAll()
	}
}

// closeAll closes hijacked connections, which http.Server.Shutdown does not track.
func (srv *Server) closeAll() {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	for c := range srv.conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}

func (srv *Server) track(c *connection) {
	srv.mx.Lock()
	srv.conns[c] = struct{}{}
	srv.mx.Unlock()
}

func (srv *Server) untrack(c *connection) {
	srv.mx.Lock()
	delete(srv.conns, c)
	srv.mx.Unlock()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	callID := model.CallID(r.PathValue("callID"))
	if callID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	user, admErr := srv.svc.Admit(r.Context(), callID, auth.TokenFromRequest(r))

	// Rejected requests are still upgraded and then closed with an
	// application close code. Browsers hide the status of a failed
	// handshake, so a plain HTTP error would not tell the client why.
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().Str("callID", string(callID)).Logger()
	if admErr != nil {
		code, text := closeCodeFor(admErr)
		logger.Debug().Err(admErr).Int("closeCode", code).Msg("connection rejected")
		webSocketCloser(conn, code, text, &logger)
		return
	}

	connID := uuid.NewString()
	logger = logger.With().
		Int64("userID", int64(user.ID)).
		Str("connID", connID).
		Logger()
	c := newConnection(connID, conn, defaultForwardTimeout, &logger)

	room, res, err := srv.svc.JoinRoom(context.Background(), callID, user, c)
	if err != nil {
		code, text := closeCodeFor(err)
		logger.Debug().Err(err).Int("closeCode", code).Msg("join rejected")
		webSocketCloser(conn, code, text, &logger)
		return
	}
	if res.Replaced != nil {
		if old, ok := res.Replaced.(*connection); ok {
			old.closeWith(CloseReplaced, "replaced")
		} else {
			res.Replaced.Close()
		}
	}
	logger.Debug().Bool("reconnected", res.Reconnected).Msg("participant connected")

	srv.track(c)
	go func() {
		defer srv.untrack(c)
		srv.handleWSConn(c, room, user, res)
	}()
}

func closeCodeFor(err error) (int, string) {
	var admErr *service.AdmissionError
	if !errors.As(err, &admErr) {
		return websocket.CloseInternalServerErr, string(service.RejectInternal)
	}
	switch admErr.Code {
	case service.RejectMissingToken, service.RejectInvalidToken:
		return CloseUnauthenticated, string(admErr.Code)
	case service.RejectCallNotFound, service.RejectCallExpired, service.RejectCallNotActive:
		return CloseCallUnavailable, string(admErr.Code)
	case service.RejectRoomFull:
		return CloseRoomFull, string(admErr.Code)
	default:
		return websocket.CloseInternalServerErr, string(admErr.Code)
	}
}
