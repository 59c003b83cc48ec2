package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Parsed is a schedule string resolved into a cron.Schedule.
type Parsed struct {
	Kind     Kind
	Every    time.Duration
	Schedule cron.Schedule
}

var (
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// ParseSchedule accepts:
//   - cron specs with optional seconds: "0 8 * * *", "*/30 * * * * *", "@daily", "@every 90s"
//   - Go durations: "55m", "2h30m"
//   - HH:MM intervals: "02:30" (every two and a half hours)
//
// A "cron:" or "every:" prefix forces the kind. Cron specs are evaluated in
// loc; a nil loc means time.Local.
func ParseSchedule(raw string, loc *time.Location) (Parsed, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Parsed{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc)
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, loc)
	}
	p, err := parseInterval(s)
	if err != nil {
		return Parsed{}, fmt.Errorf("invalid schedule %q (use cron like '0 8 * * *', HH:MM like '02:30', or a duration like '55m')", raw)
	}
	return p, nil
}

func parseCron(expr string, loc *time.Location) (Parsed, error) {
	if expr == "" {
		return Parsed{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Parsed{}, err
	}
	// An explicit CRON_TZ= prefix wins over loc.
	explicitTZ := strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=")
	if spec, ok := sched.(*cron.SpecSchedule); ok && loc != nil && !explicitTZ {
		spec.Location = loc
	}
	return Parsed{Kind: KindCron, Schedule: sched}, nil
}

func parseInterval(v string) (Parsed, error) {
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Parsed{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Parsed{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return Parsed{}, fmt.Errorf("interval must be at least 1s")
	}
	return Parsed{Kind: KindInterval, Every: d, Schedule: cron.Every(d)}, nil
}
