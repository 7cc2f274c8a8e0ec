package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/config"
	"github.com/adwski/callroom-signaling/backend/metrics"
	httpServer "github.com/adwski/callroom-signaling/backend/server/http"
	websocketServer "github.com/adwski/callroom-signaling/backend/server/websocket"
	"github.com/adwski/callroom-signaling/backend/service"
	"github.com/adwski/callroom-signaling/backend/storage/memory"
	redisStore "github.com/adwski/callroom-signaling/backend/storage/redis"
	"github.com/adwski/callroom-signaling/backend/storage/sqlite"
	sw "github.com/adwski/callroom-signaling/backend/switch"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type store interface {
	service.CallDirectory
	service.Ledger
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
		storageDriver = fs.String("storage", "", "storage driver: memory, sqlite or redis")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if fs.Changed("api-listen-addr") {
		conf.APIListenAddr = *apiListenAddr
	}
	if fs.Changed("ws-listen-addr") {
		conf.WSListenAddr = *wsListenAddr
	}
	if fs.Changed("log-level") {
		conf.LogLevel = *logLevel
	}
	if fs.Changed("storage") {
		conf.Storage.Driver = *storageDriver
	}
	if secret := os.Getenv("CALLROOM_AUTH_SECRET"); secret != "" {
		conf.Auth.Secret = secret
	}
	if password := os.Getenv("CALLROOM_TURN_PASSWORD"); password != "" {
		conf.WebRTC.TURNPassword = password
	}
	if err = conf.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	lvl, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	st, closeStore, err := openStore(conf)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", conf.Storage.Driver).Msg("failed to open storage")
	}
	defer closeStore()

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Secret:   []byte(conf.Auth.Secret),
		Issuer:   conf.Auth.Issuer,
		TokenTTL: conf.Auth.TokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init authenticator")
	}

	metrics.Register()

	recorder := service.NewLedgerRecorder(service.LedgerRecorderConfig{
		Ledger: st,
		Logger: &logger,
	})
	rooms := sw.NewSwitch(sw.Config{
		Logger:           &logger,
		Recorder:         recorder,
		MaxParticipants:  conf.Signaling.MaxParticipants,
		ReconnectTimeout: conf.Signaling.ReconnectTimeout,
		SweepInterval:    conf.Signaling.IdleSweepInterval,
	})

	notifiers := []service.Notifier{service.NewRoomNotifier(rooms)}
	if conf.Notifier.WebhookURL != "" {
		notifiers = append(notifiers, service.NewWebhookNotifier(conf.Notifier.WebhookURL, &http.Client{
			Timeout: conf.Notifier.Timeout,
		}))
	}
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Notifiers: notifiers,
		Timeout:   conf.Notifier.Timeout,
		Logger:    &logger,
	})

	svc := service.NewService(service.Config{
		Directory:  st,
		Ledger:     st,
		Rooms:      rooms,
		Auth:       authenticator,
		Notifier:   dispatcher,
		DefaultTTL: conf.Calls.DefaultTTL,
		Logger:     &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		CallService: svc,
		ListenAddr:  conf.APIListenAddr,
		ICE:         conf.WebRTC.ICEConfig(),
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       conf.WSListenAddr,
		MaxMessageSize:   conf.Signaling.MaxMessageSize,
		MaxCallDuration:  conf.Signaling.MaxCallDuration,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rooms.Start(ctx)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go svc.RunExpiry(ctx, wg, conf.Calls.ExpiryCheckInterval)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	rooms.Stop()
	dispatcher.Stop()
	recorder.Stop()
}

func openStore(conf *config.Config) (store, func(), error) {
	switch conf.Storage.Driver {
	case config.StorageDriverMemory:
		return memory.NewMemStore(), func() {}, nil
	case config.StorageDriverSQLite:
		st, err := sqlite.Open(conf.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.StorageDriverRedis:
		rc := redis.NewClient(&redis.Options{
			Addr:     conf.Storage.Redis.Addr,
			Password: conf.Storage.Redis.Password,
			DB:       conf.Storage.Redis.DB,
		})
		st := redisStore.NewStore(rc, conf.Storage.Redis.Prefix)
		if err := st.Ping(context.Background()); err != nil {
			_ = rc.Close()
			return nil, nil, errors.Join(errors.New("redis is unreachable"), err)
		}
		return st, func() { _ = rc.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", conf.Storage.Driver)
	}
}
