package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
telegram:
  token: "123:abc"
  timeout: 20s
throttle:
  global: { capacity: 20, per: 1s }
  recipient: { capacity: 1, per: 3s }
queue:
  min_delay: 500ms
  max_delay: 2s
storage:
  driver: sqlite
  path: ./data/fanout.db
metrics:
  enabled: true
sessions: [main, backup]
broadcasts:
  - name: morning
    schedule: "0 8 * * *"
    session: main
    recipients: ["-100123", "@news"]
    text: "good morning"
    timezone: UTC
  - name: album
    schedule: "@every 1h"
    session: backup
    recipients: ["42"]
    copy_from: { chat_id: -100555, message_ids: [10, 11] }
  - name: paused
    schedule: "* * * * *"
    session: main
    recipients: ["1"]
    text: "x"
    disabled: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLResolvesEverything(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	rt, err := m.Load()
	require.NoError(t, err)
	require.Same(t, rt, m.Current())

	assert.Equal(t, "debug", rt.Logging.Level)
	assert.Equal(t, 20*time.Second, rt.Telegram.Timeout)
	assert.Equal(t, Bucket{Capacity: 20, Per: time.Second}, rt.Throttle.Global)
	assert.Equal(t, Bucket{Capacity: 1, Per: 3 * time.Second}, rt.Throttle.Recipient)
	assert.Equal(t, 500*time.Millisecond, rt.Queue.MinDelay)
	assert.Equal(t, 2*time.Second, rt.Queue.MaxDelay)
	assert.Equal(t, "sqlite", rt.Storage.Driver)
	assert.Equal(t, DefaultMetricsAddr, rt.Metrics.Addr)
	assert.Equal(t, []string{"main", "backup"}, rt.Sessions)

	require.Len(t, rt.Broadcasts, 2, "disabled broadcasts are dropped")
	assert.Equal(t, "morning", rt.Broadcasts[0].Name)
	assert.Equal(t, time.UTC, rt.Broadcasts[0].Location)
	require.NotNil(t, rt.Broadcasts[1].CopyFrom)
	assert.Equal(t, []int{10, 11}, rt.Broadcasts[1].CopyFrom.MessageIDs)
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	rt, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, "info", rt.Logging.Level)
	assert.Equal(t, 15*time.Second, rt.Telegram.Timeout)
	assert.Equal(t, 5, rt.Telegram.BreakerThreshold)
	assert.Equal(t, 30*time.Second, rt.Telegram.BreakerReset)
	assert.Equal(t, Bucket{Capacity: 30, Per: time.Second}, rt.Throttle.Global)
	assert.Equal(t, Bucket{Capacity: 1, Per: time.Second}, rt.Throttle.Recipient)
	assert.Equal(t, time.Second, rt.Queue.MinDelay)
	assert.Equal(t, 3*time.Second, rt.Queue.MaxDelay)
	assert.Equal(t, 3, rt.Dispatch.MaxRetries)
	assert.Equal(t, time.Second, rt.Dispatch.BackoffBase)
	assert.Equal(t, 30*time.Second, rt.Dispatch.BackoffMax)
	assert.Equal(t, "memory", rt.Storage.Driver)
	assert.Empty(t, rt.Metrics.Addr, "addr is only defaulted when metrics are enabled")
}

func TestResolveExplicitZeroRetries(t *testing.T) {
	t.Parallel()
	zero := 0
	rt, err := Resolve(&Config{Dispatch: DispatchConfig{MaxRetries: &zero}})
	require.NoError(t, err)
	assert.Zero(t, rt.Dispatch.MaxRetries)
}

func TestResolveReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging:  LoggingConfig{Format: "xml"},
		Telegram: TelegramConfig{BreakerThreshold: -2},
		Throttle: ThrottleConfig{Global: BucketConfig{Capacity: -1}},
		Queue:    QueueConfig{MinDelay: "5s", MaxDelay: "1s"},
		Storage:  StorageConfig{Driver: "postgres"},
		Sessions: []string{"a", "a"},
		Broadcasts: []BroadcastConfig{
			{Name: "bad-cron", Schedule: "nope", Session: "a", Recipients: []string{"1"}, Text: "x"},
			{Name: "no-session", Schedule: "@daily", Session: "zzz", Recipients: []string{"1"}, Text: "x"},
			{Name: "both", Schedule: "@daily", Session: "a", Recipients: []string{"1"}, Text: "x",
				CopyFrom: &CopyConfig{ChatID: 1, MessageIDs: []int{1}}},
			{Name: "nobody", Schedule: "@daily", Session: "a", Text: "x"},
			{Name: "tz", Schedule: "@daily", Session: "a", Recipients: []string{"1"}, Text: "x", Timezone: "Mars/Olympus"},
		},
	}
	_, err := Resolve(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"logging.format",
		"telegram.breaker_threshold",
		"throttle.global.capacity",
		"queue.max_delay",
		"storage.driver",
		"sessions[1]: duplicate",
		"broadcasts[0].schedule",
		"broadcasts[1].session",
		"broadcasts[2]: exactly one of text and copy_from",
		"broadcasts[3].recipients",
		"broadcasts[4].timezone",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestResolveRequiresPathForPersistentDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		_, err := Resolve(&Config{Storage: StorageConfig{Driver: driver}})
		require.ErrorContains(t, err, "storage.path", driver)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	_, err := ParseBytes("c.yaml", []byte("telegram:\n  tokn: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokn")

	_, err = ParseBytes("c.json", []byte(`{"sessions":["a"]} {"sessions":["b"]}`))
	require.ErrorContains(t, err, "trailing data")

	_, err = ParseBytes("c.yaml", []byte("queue: [unclosed"))
	require.ErrorContains(t, err, "yaml")

	_, err = ParseBytes("c.yaml", []byte("sessions: [a]\n---\nsessions: [b]\n"))
	require.ErrorContains(t, err, "trailing data")

	cfg, err := ParseBytes("fanout.conf", []byte(`{"sessions":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, cfg.Sessions)
	cfg, err = ParseBytes("fanout.conf", []byte("sessions:\n  - b\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, cfg.Sessions)

	cfg, err = ParseBytes("empty.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Sessions)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "", want: 0},
		{raw: "60", want: time.Minute},
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "soon", wantErr: true},
		{raw: "-1s", wantErr: true},
		{raw: "-5", wantErr: true},
	}
	for _, tt := range tests {
		d, err := parseDuration("queue.min_delay", tt.raw)
		if tt.wantErr {
			require.ErrorContains(t, err, "queue.min_delay", "raw %q", tt.raw)
			continue
		}
		require.NoError(t, err, "raw %q", tt.raw)
		assert.Equal(t, tt.want, d, "raw %q", tt.raw)
	}

	d, err := durationOr("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	d, err = durationOr("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}, Sessions: []string{"a"}}
	newCfg := &Config{
		Telegram:   TelegramConfig{Token: "new-secret"},
		Sessions:   []string{"a", "b"},
		Throttle:   ThrottleConfig{Global: BucketConfig{Capacity: 5, Per: "1s"}},
		Broadcasts: []BroadcastConfig{{Name: "n1"}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"broadcasts", "sessions", "telegram", "throttle"}, changed)
	assert.NotEmpty(t, attrs)

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, same)
}

func TestReloadSkipsUnchangedAndRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"sessions":["a"]}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)

	ok, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`{"sessions":["a","a"]}`), 0o600))
	ok, err = m.Reload()
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, m.Current().Sessions)

	require.NoError(t, os.WriteFile(path, []byte(`{"sessions":["a","b"]}`), 0o600))
	ok, err = m.Reload()
	require.NoError(t, err)
	assert.True(t, ok)

	u := <-updates
	assert.Equal(t, []string{"a"}, u.Old.Sessions)
	assert.Equal(t, []string{"a", "b"}, u.New.Sessions)
	assert.Equal(t, []string{"sessions"}, u.Changed)

	m.Unsubscribe(updates)
	_, open := <-updates
	assert.False(t, open)
}

func TestWatchPublishesFileEdits(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "sessions: [a]\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher may not be armed yet, so the edit is repeated. Each write
	// waits well past the debounce window before the next one.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("sessions: [a, b]\n"), 0o600); err != nil {
			return false
		}
		select {
		case u := <-updates:
			return len(u.New.Sessions) == 2
		case <-time.After(4 * reloadDebounce):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}
