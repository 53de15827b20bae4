// Package config holds the process configuration shared by the matching
// server and the headless call client.
package config

import (
	"fmt"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr is the matching server listen address.
	Addr string `koanf:"addr"`

	// MetricsAddr, when set, makes the client expose /metrics.
	MetricsAddr string `koanf:"metrics_addr"`

	RedisAddr string `koanf:"redis_addr"`

	// JWTSecret signs admission tokens.
	JWTSecret string `koanf:"jwt_secret"`

	// TokenTTL bounds the life of an admission token.
	TokenTTL time.Duration `koanf:"token_ttl"`

	// GroupSize is the number of participants matched into one session.
	GroupSize int `koanf:"group_size"`

	// HandoffTTL bounds how long a call cycle's handoff record survives.
	HandoffTTL time.Duration `koanf:"handoff_ttl"`

	AllowedOrigins []string `koanf:"allowed_origins"`

	// Client endpoints.
	QueueURL   string `koanf:"queue_url"`
	APIBaseURL string `koanf:"api_base_url"`
	SignalURL  string `koanf:"signal_url"`
	STTURL     string `koanf:"stt_url"`

	// AuthToken is the opaque account bearer token sent to collaborators.
	AuthToken string `koanf:"auth_token"`

	STUNServers  []string `koanf:"stun_servers"`
	TURNURL      string   `koanf:"turn_url"`
	TURNUsername string   `koanf:"turn_username"`
	TURNPassword string   `koanf:"turn_password"`

	// AudioFile is an Ogg/Opus file published as the local microphone.
	AudioFile string `koanf:"audio_file"`

	// Recognizer restart backoff after device failures.
	RestartBackoffBase time.Duration `koanf:"restart_backoff_base"`
	RestartBackoffMax  time.Duration `koanf:"restart_backoff_max"`

	// ReviewPromptTimeout auto-dismisses the review question modal.
	ReviewPromptTimeout time.Duration `koanf:"review_prompt_timeout"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:   "info",
		Addr:       ":8080",
		RedisAddr:  "localhost:6379",
		JWTSecret:  "your-secret-key",
		TokenTTL:   10 * time.Minute,
		GroupSize:  4,
		HandoffTTL: 30 * time.Minute,
		AllowedOrigins: []string{
			"http://localhost:5173",
		},
		QueueURL:   "ws://localhost:8080/api/v1/match/ws",
		APIBaseURL: "http://localhost:8080",
		SignalURL:  "ws://localhost:8084/api/v1/signal",
		STTURL:     "ws://localhost:8090/api/v1/stt",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		RestartBackoffBase:  100 * time.Millisecond,
		RestartBackoffMax:   5 * time.Second,
		ReviewPromptTimeout: time.Minute,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.GroupSize < 2:
		return fmt.Errorf("%w: group_size must be at least 2, got %d", ErrInvalidConfig, c.GroupSize)
	case c.TokenTTL <= 0:
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalidConfig)
	case c.HandoffTTL <= 0:
		return fmt.Errorf("%w: handoff_ttl must be positive", ErrInvalidConfig)
	case c.RestartBackoffBase <= 0 || c.RestartBackoffMax < c.RestartBackoffBase:
		return fmt.Errorf("%w: restart backoff must satisfy 0 < base <= max", ErrInvalidConfig)
	}
	return nil
}
