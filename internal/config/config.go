package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string

	TokenExpiry       time.Duration
	SocketTokenExpiry time.Duration

	RingTimeout   time.Duration
	PresenceTTL   time.Duration
	SweepInterval time.Duration

	NATSURL      string
	PublicWSURL  string
	ProfilesFile string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              3000,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		SocketTokenExpiry: time.Hour,
		RingTimeout:       30 * time.Second,
		PresenceTTL:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
		PublicWSURL:       "/ws",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.NATSURL = env.Getenv("NATS_URL")
	cfg.ProfilesFile = env.Getenv("PROFILES_FILE")

	if raw := env.Getenv("PUBLIC_WS_URL"); raw != "" {
		cfg.PublicWSURL = raw
	}

	var err error
	if cfg.TokenExpiry, err = secondsVar(env, "TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry); err != nil {
		return Config{}, err
	}
	if cfg.SocketTokenExpiry, err = secondsVar(env, "SOCKET_TOKEN_EXPIRY_SECONDS", cfg.SocketTokenExpiry); err != nil {
		return Config{}, err
	}
	if cfg.RingTimeout, err = secondsVar(env, "RING_TIMEOUT_SECONDS", cfg.RingTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PresenceTTL, err = secondsVar(env, "PRESENCE_TTL_SECONDS", cfg.PresenceTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = secondsVar(env, "PRESENCE_SWEEP_SECONDS", cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func secondsVar(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}
