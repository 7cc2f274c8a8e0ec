package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/service"
	"github.com/adwski/callroom-signaling/backend/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 64 * 1024
	corsMaxAge              = 86400
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type CallService interface {
	Authenticate(token string) (model.Participant, error)
	CreateCall(ctx context.Context, creator model.Participant, req service.CreateCallRequest) (*model.Call, error)
	GetCall(ctx context.Context, callID model.CallID) (*model.Call, []model.Participant, error)
	EndCall(ctx context.Context, requester model.Participant, callID model.CallID) error
	ListParticipations(ctx context.Context, callID model.CallID) ([]model.Participation, error)
	GetCallStats(ctx context.Context, callID model.CallID) (*model.CallStats, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type CallResponse struct {
	Call         *model.Call         `json:"call"`
	Participants []model.Participant `json:"participants"`
}

type Server struct {
	logger zerolog.Logger
	svc    CallService
	ice    model.ICEConfig
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	CallService CallService
	ListenAddr  string
	ICE         model.ICEConfig
}

type authHandlerFunc func(w http.ResponseWriter, r *http.Request, user model.Participant)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.CallService,
		ice:    cfg.ICE,
	}
	if srv.ice.STUNServers == nil {
		srv.ice.STUNServers = []string{}
	}
	if srv.ice.TURNServers == nil {
		srv.ice.TURNServers = []model.TURNServer{}
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/calls", srv.authenticated(srv.createCall))
	r.HandleFunc("GET /api/calls/{callID}", srv.authenticated(srv.getCall))
	r.HandleFunc("POST /api/calls/{callID}/end", srv.authenticated(srv.endCall))
	r.HandleFunc("GET /api/calls/{callID}/participants", srv.authenticated(srv.listParticipants))
	r.HandleFunc("GET /api/calls/{callID}/stats", srv.authenticated(srv.callStats))
	r.HandleFunc("GET /api/config/webrtc", srv.webrtcConfig)
	r.HandleFunc("GET /healthz", healthz)
	r.Handle("GET /metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:           corsMaxAge,
		AllowCredentials: true,
	})

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(r),
	}
	return srv
}

func (srv *Server) authenticated(next authHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := srv.svc.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			srv.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("unauthenticated request")
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r, user)
	}
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) createCall(w http.ResponseWriter, r *http.Request, user model.Participant) {
	var req service.CreateCallRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err = json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, errors.New("ttl_seconds must not be negative"))
		return
	}

	srv.logger.Trace().Any("request", req).Int64("userID", int64(user.ID)).Msg("got create call request")

	call, err := srv.svc.CreateCall(r.Context(), user, req)
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &GenericResponse{Data: call})
}

func (srv *Server) getCall(w http.ResponseWriter, r *http.Request, _ model.Participant) {
	call, participants, err := srv.svc.GetCall(r.Context(), model.CallID(r.PathValue("callID")))
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: &CallResponse{Call: call, Participants: participants}})
}

func (srv *Server) endCall(w http.ResponseWriter, r *http.Request, user model.Participant) {
	if err := srv.svc.EndCall(r.Context(), user, model.CallID(r.PathValue("callID"))); err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) listParticipants(w http.ResponseWriter, r *http.Request, _ model.Participant) {
	ps, err := srv.svc.ListParticipations(r.Context(), model.CallID(r.PathValue("callID")))
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	if ps == nil {
		ps = []model.Participation{}
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: ps})
}

func (srv *Server) callStats(w http.ResponseWriter, r *http.Request, _ model.Participant) {
	stats, err := srv.svc.GetCallStats(r.Context(), model.CallID(r.PathValue("callID")))
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: stats})
}

// webrtcConfig is served without authentication.
func (srv *Server) webrtcConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Data: &srv.ice})
}

func (srv *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrCallNotFound):
		writeError(w, http.StatusNotFound, storage.ErrCallNotFound)
	case errors.Is(err, service.ErrNotCreator):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrCallNotActive):
		writeError(w, http.StatusConflict, err)
	default:
		srv.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, ErrUnexpected)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
