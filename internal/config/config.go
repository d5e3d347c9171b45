// Package config loads chatforged's runtime configuration by layering
// viper over a typed struct: defaults first, then an optional YAML file,
// then environment variables as the final override.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable chatforged reads from the environment.
type Config struct {
	ListenAddr string

	Session   SessionConfig
	Room      RoomConfig
	Handshake HandshakeConfig
	HTTPAPI   HTTPAPIConfig
	Database  DatabaseConfig
}

// SessionConfig configures the HS256 session-ticket issuer.
type SessionConfig struct {
	Secret string // SESSION_SECRET, required, >= 32 bytes
}

// RoomConfig configures the single shared chat room actor.
type RoomConfig struct {
	MessageRateWindowMs   int64 // CHAT_MESSAGE_RATE_WINDOW_MS, default 10_000
	MessageRateMaxCount   int   // CHAT_MESSAGE_RATE_MAX_COUNT, default 5
	MaxConnectionsPerUser int   // CHAT_MAX_CONNECTIONS_PER_USER, default 3
	MaxConnectionsPerRoom int   // CHAT_MAX_CONNECTIONS_PER_ROOM, default 0 (unbounded)
	HistoryLimit          int   // CHAT_HISTORY_LIMIT, default 200
	PersistEveryN         int   // CHAT_HISTORY_PERSIST_EVERY_N_MESSAGES, default 1

	MaxConsecutiveInvalidPayloads int // WS_MAX_CONSECUTIVE_INVALID_PAYLOADS, default 5
	MaxInboundMessageBytes        int // WS_MAX_INBOUND_MESSAGE_BYTES, default 65536

	DenyAccountIDs []string // DENY_ACCOUNT_IDS, comma/newline-separated
}

// HandshakeConfig configures the connect-rate limiter in front of /ws.
type HandshakeConfig struct {
	ConnectRateWindowMs int64 // CHAT_CONNECT_RATE_WINDOW_MS, default 10_000
	ConnectRateMaxCount int   // CHAT_CONNECT_RATE_MAX_COUNT, default 20
}

// HTTPAPIConfig configures the Echo HTTP surface.
type HTTPAPIConfig struct {
	ModeratorAccountIDs []string // MODERATOR_ACCOUNT_IDS, comma/newline-separated
}

// DatabaseConfig configures the SQLite-backed durable store.
type DatabaseConfig struct {
	Path string // CHATFORGE_DATABASE_PATH, default "chatforge.db"
}

// MinSecretLength mirrors internal/session.MinSecretLength so this package
// doesn't need to import the session package just to validate early.
const MinSecretLength = 32

// MaxTrackedRateLimitKeys is shared by every rate-limit store chatforged
// constructs; there's no dedicated environment variable for it.
const MaxTrackedRateLimitKeys = 10_000

// Load reads configuration from an optional YAML file at configPath (may be
// empty), then overlays environment variables, then validates the result.
// Environment variables always win, matching the precedence order
// documented for every service in this codebase's example pack.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	bindEnv(v)

	cfg := &Config{
		ListenAddr: v.GetString("listen_addr"),
		Session: SessionConfig{
			Secret: v.GetString("session_secret"),
		},
		Room: RoomConfig{
			MessageRateWindowMs:           v.GetInt64("chat_message_rate_window_ms"),
			MessageRateMaxCount:           v.GetInt("chat_message_rate_max_count"),
			MaxConnectionsPerUser:         v.GetInt("chat_max_connections_per_user"),
			MaxConnectionsPerRoom:         v.GetInt("chat_max_connections_per_room"),
			HistoryLimit:                  v.GetInt("chat_history_limit"),
			PersistEveryN:                 v.GetInt("chat_history_persist_every_n_messages"),
			MaxConsecutiveInvalidPayloads: v.GetInt("ws_max_consecutive_invalid_payloads"),
			MaxInboundMessageBytes:        v.GetInt("ws_max_inbound_message_bytes"),
			DenyAccountIDs:                splitList(v.GetString("deny_account_ids")),
		},
		Handshake: HandshakeConfig{
			ConnectRateWindowMs: v.GetInt64("chat_connect_rate_window_ms"),
			ConnectRateMaxCount: v.GetInt("chat_connect_rate_max_count"),
		},
		HTTPAPI: HTTPAPIConfig{
			ModeratorAccountIDs: splitList(v.GetString("moderator_account_ids")),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database_path"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("chat_message_rate_window_ms", 10_000)
	v.SetDefault("chat_message_rate_max_count", 5)
	v.SetDefault("chat_connect_rate_window_ms", 10_000)
	v.SetDefault("chat_connect_rate_max_count", 20)
	v.SetDefault("chat_max_connections_per_user", 3)
	v.SetDefault("chat_max_connections_per_room", 0)
	v.SetDefault("chat_history_limit", 200)
	v.SetDefault("chat_history_persist_every_n_messages", 1)
	v.SetDefault("ws_max_consecutive_invalid_payloads", 5)
	v.SetDefault("ws_max_inbound_message_bytes", 65536)
	v.SetDefault("database_path", "chatforge.db")
}

// bindEnv binds each viper key to its documented environment variable name
// directly, rather than relying on a single SetEnvPrefix: the variable names
// (SESSION_SECRET, CHAT_*, WS_*, MODERATOR_*, DENY_*) don't share one prefix.
func bindEnv(v *viper.Viper) {
	binds := map[string]string{
		"listen_addr":                           "CHATFORGE_LISTEN_ADDR",
		"session_secret":                        "SESSION_SECRET",
		"moderator_account_ids":                 "MODERATOR_ACCOUNT_IDS",
		"deny_account_ids":                      "DENY_ACCOUNT_IDS",
		"chat_message_rate_window_ms":           "CHAT_MESSAGE_RATE_WINDOW_MS",
		"chat_message_rate_max_count":           "CHAT_MESSAGE_RATE_MAX_COUNT",
		"chat_connect_rate_window_ms":           "CHAT_CONNECT_RATE_WINDOW_MS",
		"chat_connect_rate_max_count":           "CHAT_CONNECT_RATE_MAX_COUNT",
		"chat_max_connections_per_user":         "CHAT_MAX_CONNECTIONS_PER_USER",
		"chat_max_connections_per_room":         "CHAT_MAX_CONNECTIONS_PER_ROOM",
		"chat_history_limit":                    "CHAT_HISTORY_LIMIT",
		"chat_history_persist_every_n_messages": "CHAT_HISTORY_PERSIST_EVERY_N_MESSAGES",
		"ws_max_consecutive_invalid_payloads":   "WS_MAX_CONSECUTIVE_INVALID_PAYLOADS",
		"ws_max_inbound_message_bytes":          "WS_MAX_INBOUND_MESSAGE_BYTES",
		"database_path":                         "CHATFORGE_DATABASE_PATH",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	replacer := strings.NewReplacer("\n", ",", "\r", ",")
	var out []string
	for _, part := range strings.Split(replacer.Replace(raw), ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if len(cfg.Session.Secret) < MinSecretLength {
		return fmt.Errorf("config: SESSION_SECRET must be at least %d characters", MinSecretLength)
	}
	if cfg.Room.MessageRateWindowMs <= 0 {
		return fmt.Errorf("config: CHAT_MESSAGE_RATE_WINDOW_MS must be positive")
	}
	if cfg.Handshake.ConnectRateWindowMs <= 0 {
		return fmt.Errorf("config: CHAT_CONNECT_RATE_WINDOW_MS must be positive")
	}
	if cfg.Room.HistoryLimit <= 0 {
		return fmt.Errorf("config: CHAT_HISTORY_LIMIT must be positive")
	}
	if cfg.Room.PersistEveryN <= 0 {
		return fmt.Errorf("config: CHAT_HISTORY_PERSIST_EVERY_N_MESSAGES must be positive")
	}
	return nil
}

// AccountIDSet converts a list of accountId strings into the map shape
// room.Config and httpapi.Config expect.
func AccountIDSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
