package room

// Config holds the chat room's tunable limits, sourced from the
// CHAT_*/WS_* environment variables documented alongside cmd/chatforged.
type Config struct {
	HistoryLimit  int // CHAT_HISTORY_LIMIT, default 200
	PersistEveryN int // CHAT_HISTORY_PERSIST_EVERY_N_MESSAGES, default 1

	MessageRateWindowMs int64 // CHAT_MESSAGE_RATE_WINDOW_MS, default 10_000
	MessageRateMaxCount int   // CHAT_MESSAGE_RATE_MAX_COUNT, default 5

	MaxConnectionsPerUser int // CHAT_MAX_CONNECTIONS_PER_USER, default 3
	MaxConnectionsPerRoom int // CHAT_MAX_CONNECTIONS_PER_ROOM, 0 = unbounded

	MaxConsecutiveInvalidPayloads int // default 5
	MaxInboundMessageBytes        int // WS_MAX_INBOUND_MESSAGE_BYTES, default 65536

	OperatorDenyAccountIDs map[string]struct{}

	MaxTrackedRateLimitKeys int // default 10_000, shared by the message-rate limiter
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:                  200,
		PersistEveryN:                 1,
		MessageRateWindowMs:           10_000,
		MessageRateMaxCount:           5,
		MaxConnectionsPerUser:         3,
		MaxConnectionsPerRoom:         0,
		MaxConsecutiveInvalidPayloads: 5,
		MaxInboundMessageBytes:        65536,
		OperatorDenyAccountIDs:        map[string]struct{}{},
		MaxTrackedRateLimitKeys:       10_000,
	}
}
