package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverMemory = "memory"
	StorageDriverSQLite = "sqlite"
	StorageDriverRedis  = "redis"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	APIListenAddr string          `yaml:"api_listen_addr"`
	WSListenAddr  string          `yaml:"ws_listen_addr"`
	LogLevel      string          `yaml:"log_level"`
	Signaling     SignalingConfig `yaml:"signaling"`
	Auth          AuthConfig      `yaml:"auth"`
	Storage       StorageConfig   `yaml:"storage"`
	Calls         CallsConfig     `yaml:"calls"`
	Notifier      NotifierConfig  `yaml:"notifier"`
	WebRTC        WebRTCConfig    `yaml:"webrtc"`
}

type SignalingConfig struct {
	MaxParticipants   int           `yaml:"max_participants"`
	ReconnectTimeout  time.Duration `yaml:"reconnect_timeout"`
	MaxCallDuration   time.Duration `yaml:"max_call_duration"`
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type StorageConfig struct {
	Driver string       `yaml:"driver"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type CallsConfig struct {
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	ExpiryCheckInterval time.Duration `yaml:"expiry_check_interval"`
}

type NotifierConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type WebRTCConfig struct {
	STUNServers  []string `yaml:"stun_servers"`
	TURNServers  []string `yaml:"turn_servers"`
	TURNUsername string   `yaml:"turn_username"`
	TURNPassword string   `yaml:"turn_password"`
}

// ICEConfig builds the client-facing server list. TURN credentials are
// attached only when both username and password are set.
func (c WebRTCConfig) ICEConfig() model.ICEConfig {
	ice := model.ICEConfig{
		STUNServers: append([]string{}, c.STUNServers...),
		TURNServers: make([]model.TURNServer, 0, len(c.TURNServers)),
	}
	for _, url := range c.TURNServers {
		srv := model.TURNServer{URL: url}
		if c.TURNUsername != "" && c.TURNPassword != "" {
			srv.Username, srv.Credential = c.TURNUsername, c.TURNPassword
		}
		ice.TURNServers = append(ice.TURNServers, srv)
	}
	return ice
}

func Default() *Config {
	return &Config{
		APIListenAddr: ":8080",
		WSListenAddr:  ":8888",
		LogLevel:      "info",
		Signaling: SignalingConfig{
			MaxParticipants:   8,
			ReconnectTimeout:  30 * time.Second,
			MaxCallDuration:   4 * time.Hour,
			IdleSweepInterval: time.Minute,
			MaxMessageSize:    64 * 1024,
		},
		Auth: AuthConfig{
			Issuer:   "callroom",
			TokenTTL: 15 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: StorageDriverMemory,
			SQLite: SQLiteConfig{Path: "data/callroom.db"},
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "callroom"},
		},
		Calls: CallsConfig{
			DefaultTTL:          24 * time.Hour,
			ExpiryCheckInterval: time.Minute,
		},
		Notifier: NotifierConfig{
			Timeout: 5 * time.Second,
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return conf, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Signaling.MaxParticipants <= 0 {
		errs = append(errs, errors.New("signaling.max_participants must be positive"))
	}
	if c.Signaling.ReconnectTimeout <= 0 {
		errs = append(errs, errors.New("signaling.reconnect_timeout must be positive"))
	}
	if c.Signaling.MaxCallDuration <= 0 {
		errs = append(errs, errors.New("signaling.max_call_duration must be positive"))
	}
	if c.Signaling.IdleSweepInterval <= 0 {
		errs = append(errs, errors.New("signaling.idle_sweep_interval must be positive"))
	}
	if c.Signaling.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("signaling.max_message_size must be positive"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Calls.ExpiryCheckInterval <= 0 {
		errs = append(errs, errors.New("calls.expiry_check_interval must be positive"))
	}
	switch c.Storage.Driver {
	case StorageDriverMemory, StorageDriverSQLite, StorageDriverRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}
