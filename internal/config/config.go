package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/voicebridge/internal/character"
)

// Config contains all runtime settings for the voice bridge.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	AllowAnyOrigin bool

	// ProviderAPIKey is the server secret. It is never sent to clients.
	ProviderAPIKey       string
	RealtimeAPIBase      string
	RealtimeModel        string
	RealtimeWSURL        string
	RealtimeNegotiateURL string
	IssueTimeout         time.Duration
	NegotiateTimeout     time.Duration

	RelaySubprotocol     string
	RelayRequireAuth     bool
	RelayConfigTimeout   time.Duration
	RelayConnectTimeout  time.Duration
	RelayAckTimeout      time.Duration
	RelayAwaitAck        bool
	RelayGracePeriod     time.Duration
	RelayPingInterval    time.Duration
	RelayIdleTimeout     time.Duration
	RelayMaxMessageBytes int

	AuthJWTSecret   string
	AuthJWTIssuer   string
	AuthJWTAudience string
	// AuthStaticKeys maps API key to caller ID.
	AuthStaticKeys map[string]string
	DatabaseURL    string
	// AuthAllowAny accepts any non-empty caller token when no backend is
	// configured. Local development only.
	AuthAllowAny bool

	IssueRatePerMinute int
	IssueBurst         int
	RedisURL           string

	// Character holds the instruction builder defaults, optionally overlaid
	// from BRIDGE_CONFIG_FILE.
	Character character.Options
}

// fileOverlay is the YAML shape accepted by BRIDGE_CONFIG_FILE.
type fileOverlay struct {
	Voices        []string                 `yaml:"voices"`
	FallbackVoice string                   `yaml:"fallback_voice"`
	AudioFormat   *character.AudioFormat   `yaml:"audio_format"`
	TurnDetection *character.TurnDetection `yaml:"turn_detection"`
	Temperature   *float64                 `yaml:"temperature"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		LogLevel:                 envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("LOG_FORMAT", "json"),
		ProviderAPIKey:           stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeAPIBase:          strings.TrimRight(envOrDefault("REALTIME_API_BASE", "https://api.openai.com"), "/"),
		RealtimeModel:            envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeWSURL:            envOrDefault("REALTIME_WS_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeNegotiateURL:     envOrDefault("REALTIME_NEGOTIATE_URL", "https://api.openai.com/v1/realtime"),
		RelaySubprotocol:         envOrDefault("RELAY_SUBPROTOCOL", "voicebridge.v1"),
		AuthJWTSecret:            stringsTrimSpace("AUTH_JWT_SECRET"),
		AuthJWTIssuer:            stringsTrimSpace("AUTH_JWT_ISSUER"),
		AuthJWTAudience:          stringsTrimSpace("AUTH_JWT_AUDIENCE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		IssueTimeout:             5 * time.Second,
		NegotiateTimeout:         10 * time.Second,
		RelayConfigTimeout:       10 * time.Second,
		RelayConnectTimeout:      10 * time.Second,
		RelayAckTimeout:          5 * time.Second,
		RelayAwaitAck:            true,
		RelayGracePeriod:         2 * time.Second,
		RelayPingInterval:        20 * time.Second,
		RelayIdleTimeout:         60 * time.Second,
		RelayMaxMessageBytes:     1 << 20,
		IssueRatePerMinute:       30,
		IssueBurst:               5,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"BROKER_ISSUE_TIMEOUT", &cfg.IssueTimeout},
		{"REALTIME_NEGOTIATE_TIMEOUT", &cfg.NegotiateTimeout},
		{"RELAY_CONFIG_TIMEOUT", &cfg.RelayConfigTimeout},
		{"RELAY_CONNECT_TIMEOUT", &cfg.RelayConnectTimeout},
		{"RELAY_ACK_TIMEOUT", &cfg.RelayAckTimeout},
		{"RELAY_GRACE_PERIOD", &cfg.RelayGracePeriod},
		{"RELAY_PING_INTERVAL", &cfg.RelayPingInterval},
		{"RELAY_IDLE_TIMEOUT", &cfg.RelayIdleTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayRequireAuth, err = boolFromEnv("RELAY_REQUIRE_AUTH", cfg.RelayRequireAuth)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayAwaitAck, err = boolFromEnv("RELAY_AWAIT_ACK", cfg.RelayAwaitAck)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthAllowAny, err = boolFromEnv("AUTH_ALLOW_ANY", cfg.AuthAllowAny)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayMaxMessageBytes, err = intFromEnv("RELAY_MAX_MESSAGE_BYTES", cfg.RelayMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.IssueRatePerMinute, err = intFromEnv("ISSUE_RATE_LIMIT_PER_MINUTE", cfg.IssueRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.IssueBurst, err = intFromEnv("ISSUE_RATE_LIMIT_BURST", cfg.IssueBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.AuthStaticKeys, err = ParseStaticKeys(stringsTrimSpace("AUTH_STATIC_KEYS"))
	if err != nil {
		return Config{}, err
	}

	if path := stringsTrimSpace("BRIDGE_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if v := stringsTrimSpace("VOICE_ALLOWLIST"); v != "" {
		cfg.Character.Voices = splitList(v)
	}
	if v := stringsTrimSpace("FALLBACK_VOICE"); v != "" {
		cfg.Character.FallbackVoice = v
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	for _, d := range durations {
		if *d.dst <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
	}
	if cfg.RelayMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be positive")
	}
	if cfg.IssueRatePerMinute < 0 || cfg.IssueBurst < 0 {
		return Config{}, fmt.Errorf("ISSUE_RATE_LIMIT_PER_MINUTE and ISSUE_RATE_LIMIT_BURST must be >= 0")
	}
	if strings.TrimSpace(cfg.RelaySubprotocol) == "" {
		return Config{}, fmt.Errorf("RELAY_SUBPROTOCOL must not be empty")
	}

	return cfg, nil
}

// AuthEnabled reports whether any caller-credential backend is configured.
func (c Config) AuthEnabled() bool {
	return c.AuthJWTSecret != "" || len(c.AuthStaticKeys) > 0 || c.DatabaseURL != ""
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("BRIDGE_CONFIG_FILE read error: %w", err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("BRIDGE_CONFIG_FILE parse error: %w", err)
	}
	if len(overlay.Voices) > 0 {
		cfg.Character.Voices = overlay.Voices
	}
	if overlay.FallbackVoice != "" {
		cfg.Character.FallbackVoice = overlay.FallbackVoice
	}
	if overlay.AudioFormat != nil {
		cfg.Character.AudioFormat = *overlay.AudioFormat
	}
	if overlay.TurnDetection != nil {
		cfg.Character.TurnDetection = *overlay.TurnDetection
	}
	if overlay.Temperature != nil {
		if *overlay.Temperature < 0 || *overlay.Temperature > 2 {
			return fmt.Errorf("BRIDGE_CONFIG_FILE temperature must be within [0, 2]")
		}
		cfg.Character.Temperature = *overlay.Temperature
	}
	return nil
}

// ParseStaticKeys parses "caller:key,caller2:key2" into a key to caller map.
func ParseStaticKeys(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(v) {
		caller, key, ok := strings.Cut(pair, ":")
		caller, key = strings.TrimSpace(caller), strings.TrimSpace(key)
		if !ok || caller == "" || key == "" {
			return nil, fmt.Errorf("AUTH_STATIC_KEYS parse error: expected caller:key pairs")
		}
		out[key] = caller
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
