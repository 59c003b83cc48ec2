package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m") and are resolved by Resolve.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Telegram   TelegramConfig    `json:"telegram"`
	Throttle   ThrottleConfig    `json:"throttle"`
	Queue      QueueConfig       `json:"queue"`
	Dispatch   DispatchConfig    `json:"dispatch"`
	Storage    StorageConfig     `json:"storage"`
	Metrics    MetricsConfig     `json:"metrics"`
	Sessions   []string          `json:"sessions"`
	Broadcasts []BroadcastConfig `json:"broadcasts,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is console or json.
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL  string `json:"api_url,omitempty"`
	Offline bool   `json:"offline,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// Breaker opens after this many consecutive transient failures. Zero uses the default.
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerReset     string `json:"breaker_reset,omitempty"`
}

// ThrottleConfig holds the two token buckets every delivery draws from.
//
// Defaults match the Bot API guidance: 30 messages per second overall and
// one per second per chat.
type ThrottleConfig struct {
	Global    BucketConfig `json:"global"`
	Recipient BucketConfig `json:"recipient"`
}

type BucketConfig struct {
	Capacity int    `json:"capacity"`
	Per      string `json:"per"`
}

// QueueConfig paces queued broadcasts of one session.
//
// Defaults:
//   - min_delay: "1s"
//   - max_delay: "3s"
//   - max_retries: 0
type QueueConfig struct {
	MinDelay   string `json:"min_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// DispatchConfig controls single-recipient forwarding retries.
type DispatchConfig struct {
	MaxRetries  *int   `json:"max_retries,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`
}

// StorageConfig selects the delivery ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/fanout.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9108"
}

// BroadcastConfig is a scheduled fan-out. Exactly one of Text and CopyFrom
// is set. Schedule is a cron spec with optional seconds, or "@every 1h".
type BroadcastConfig struct {
	Name       string      `json:"name"`
	Schedule   string      `json:"schedule"`
	Session    string      `json:"session"`
	Recipients []string    `json:"recipients"`
	Text       string      `json:"text,omitempty"`
	ParseMode  string      `json:"parse_mode,omitempty"`
	CopyFrom   *CopyConfig `json:"copy_from,omitempty"`
	Timezone   string      `json:"timezone,omitempty"`
	Disabled   bool        `json:"disabled,omitempty"`
}

type CopyConfig struct {
	ChatID     int64 `json:"chat_id"`
	MessageIDs []int `json:"message_ids"`
}
