package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fanout/pkg/logx"
)

// SummarizeConfigChange returns the names of the sections that differ and
// safe attrs describing the new values. The bot token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	if tokenChanged || ot.APIURL != nt.APIURL || ot.Offline != nt.Offline || ot.Timeout != nt.Timeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Bool("telegram.api_url_set", strings.TrimSpace(nt.APIURL) != ""),
			logx.String("telegram.timeout", nt.Timeout),
		)
	}

	if oldCfg.Throttle != newCfg.Throttle {
		changed = append(changed, "throttle")
		attrs = append(attrs,
			logx.Int("throttle.global_capacity", newCfg.Throttle.Global.Capacity),
			logx.String("throttle.global_per", newCfg.Throttle.Global.Per),
			logx.Int("throttle.recipient_capacity", newCfg.Throttle.Recipient.Capacity),
			logx.String("throttle.recipient_per", newCfg.Throttle.Recipient.Per),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.min_delay", newCfg.Queue.MinDelay),
			logx.String("queue.max_delay", newCfg.Queue.MaxDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.Int("sessions.count", len(newCfg.Sessions)))
	}

	if names := diffBroadcasts(oldCfg.Broadcasts, newCfg.Broadcasts); len(names) > 0 {
		changed = append(changed, "broadcasts")
		attrs = append(attrs, logx.Strings("broadcasts.changed", names))
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffBroadcasts returns the sorted names of broadcasts that were added,
// removed or edited.
func diffBroadcasts(oldList, newList []BroadcastConfig) []string {
	index := func(list []BroadcastConfig) map[string]BroadcastConfig {
		m := make(map[string]BroadcastConfig, len(list))
		for _, b := range list {
			m[strings.TrimSpace(b.Name)] = b
		}
		return m
	}
	om, nm := index(oldList), index(newList)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, okOld := om[name]
		n, okNew := nm[name]
		if okOld != okNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
