// Package scheduler fires configured broadcasts on cron or interval
// schedules. A firing never sends directly: it is enqueued on the sending
// session's queue lane, so broadcasts of one session go out one at a time
// and keep the session's pacing.
package scheduler
