package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fanout/internal/scheduler"
)

// Runtime is a validated Config with durations parsed and defaults applied.
type Runtime struct {
	Logging    LoggingConfig
	Telegram   TelegramRuntime
	Throttle   ThrottleRuntime
	Queue      QueueRuntime
	Dispatch   DispatchRuntime
	Storage    StorageRuntime
	Metrics    MetricsConfig
	Sessions   []string
	Broadcasts []BroadcastRuntime
}

type TelegramRuntime struct {
	Token   string
	APIURL  string
	Offline bool
	Timeout time.Duration

	BreakerThreshold int
	BreakerReset     time.Duration
}

type Bucket struct {
	Capacity int
	Per      time.Duration
}

type ThrottleRuntime struct {
	Global    Bucket
	Recipient Bucket
}

type QueueRuntime struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

type DispatchRuntime struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type StorageRuntime struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type BroadcastRuntime struct {
	Name       string
	Schedule   string
	Session    string
	Recipients []string
	Text       string
	ParseMode  string
	CopyFrom   *CopyConfig
	Location   *time.Location
}

const DefaultMetricsAddr = "127.0.0.1:9108"

// Resolve validates cfg and returns its runtime form. Every problem found is
// reported, not just the first.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := durationOr(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	rt := &Runtime{Logging: cfg.Logging, Metrics: cfg.Metrics}
	if strings.TrimSpace(rt.Logging.Level) == "" {
		rt.Logging.Level = "info"
	}
	switch f := strings.ToLower(strings.TrimSpace(rt.Logging.Format)); f {
	case "", "console", "json":
		rt.Logging.Format = f
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", rt.Logging.Format))
	}
	if rt.Metrics.Enabled && strings.TrimSpace(rt.Metrics.Addr) == "" {
		rt.Metrics.Addr = DefaultMetricsAddr
	}

	rt.Telegram = TelegramRuntime{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		APIURL:  strings.TrimSpace(cfg.Telegram.APIURL),
		Offline: cfg.Telegram.Offline,
		Timeout: dur("telegram.timeout", cfg.Telegram.Timeout, 15*time.Second),

		BreakerThreshold: cfg.Telegram.BreakerThreshold,
		BreakerReset:     dur("telegram.breaker_reset", cfg.Telegram.BreakerReset, 30*time.Second),
	}
	if rt.Telegram.BreakerThreshold == 0 {
		rt.Telegram.BreakerThreshold = 5
	}
	if rt.Telegram.BreakerThreshold < 0 {
		errs = append(errs, errors.New("telegram.breaker_threshold: must be > 0"))
	}

	bucket := func(path string, b BucketConfig, defCap int, defPer time.Duration) Bucket {
		out := Bucket{Capacity: b.Capacity, Per: dur(path+".per", b.Per, defPer)}
		if out.Capacity == 0 {
			out.Capacity = defCap
		}
		if out.Capacity < 0 {
			errs = append(errs, fmt.Errorf("%s.capacity: must be > 0", path))
		}
		return out
	}
	rt.Throttle = ThrottleRuntime{
		Global:    bucket("throttle.global", cfg.Throttle.Global, 30, time.Second),
		Recipient: bucket("throttle.recipient", cfg.Throttle.Recipient, 1, time.Second),
	}

	rt.Queue = QueueRuntime{
		MinDelay:   dur("queue.min_delay", cfg.Queue.MinDelay, time.Second),
		MaxDelay:   dur("queue.max_delay", cfg.Queue.MaxDelay, 3*time.Second),
		MaxRetries: cfg.Queue.MaxRetries,
	}
	if rt.Queue.MaxDelay < rt.Queue.MinDelay {
		errs = append(errs, errors.New("queue.max_delay: must be >= queue.min_delay"))
	}
	if rt.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries: must be >= 0"))
	}

	rt.Dispatch = DispatchRuntime{
		MaxRetries:  3,
		BackoffBase: dur("dispatch.backoff_base", cfg.Dispatch.BackoffBase, time.Second),
		BackoffMax:  dur("dispatch.backoff_max", cfg.Dispatch.BackoffMax, 30*time.Second),
	}
	if cfg.Dispatch.MaxRetries != nil {
		rt.Dispatch.MaxRetries = *cfg.Dispatch.MaxRetries
	}
	if rt.Dispatch.MaxRetries < 0 {
		errs = append(errs, errors.New("dispatch.max_retries: must be >= 0"))
	}
	if rt.Dispatch.BackoffMax < rt.Dispatch.BackoffBase {
		errs = append(errs, errors.New("dispatch.backoff_max: must be >= dispatch.backoff_base"))
	}

	rt.Storage = StorageRuntime{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second),
	}
	switch rt.Storage.Driver {
	case "", "memory":
		rt.Storage.Driver = "memory"
	case "file", "sqlite", "sqlite3":
		if rt.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", rt.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", rt.Storage.Driver))
	}

	sessions := map[string]bool{}
	for i, s := range cfg.Sessions {
		s = strings.TrimSpace(s)
		if s == "" {
			errs = append(errs, fmt.Errorf("sessions[%d]: empty identity", i))
			continue
		}
		if sessions[s] {
			errs = append(errs, fmt.Errorf("sessions[%d]: duplicate identity %q", i, s))
			continue
		}
		sessions[s] = true
		rt.Sessions = append(rt.Sessions, s)
	}

	names := map[string]bool{}
	for i, b := range cfg.Broadcasts {
		path := fmt.Sprintf("broadcasts[%d]", i)
		br, err := resolveBroadcast(path, b, sessions)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if names[br.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, br.Name))
			continue
		}
		names[br.Name] = true
		if !b.Disabled {
			rt.Broadcasts = append(rt.Broadcasts, br)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rt, nil
}

func resolveBroadcast(path string, b BroadcastConfig, sessions map[string]bool) (BroadcastRuntime, error) {
	br := BroadcastRuntime{
		Name:      strings.TrimSpace(b.Name),
		Schedule:  strings.TrimSpace(b.Schedule),
		Session:   strings.TrimSpace(b.Session),
		Text:      b.Text,
		ParseMode: strings.TrimSpace(b.ParseMode),
		CopyFrom:  b.CopyFrom,
		Location:  time.Local,
	}
	if br.Name == "" {
		return br, fmt.Errorf("%s.name: required", path)
	}
	if !sessions[br.Session] {
		return br, fmt.Errorf("%s.session: %q is not listed in sessions", path, br.Session)
	}
	hasCopy := b.CopyFrom != nil && len(b.CopyFrom.MessageIDs) > 0
	if (b.Text == "") == !hasCopy {
		return br, fmt.Errorf("%s: exactly one of text and copy_from is required", path)
	}
	for _, r := range b.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			br.Recipients = append(br.Recipients, r)
		}
	}
	if len(br.Recipients) == 0 {
		return br, fmt.Errorf("%s.recipients: at least one recipient is required", path)
	}
	if tz := strings.TrimSpace(b.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return br, fmt.Errorf("%s.timezone: %w", path, err)
		}
		br.Location = loc
	}
	if _, err := scheduler.ParseSchedule(br.Schedule, br.Location); err != nil {
		return br, fmt.Errorf("%s.schedule: %w", path, err)
	}
	return br, nil
}
