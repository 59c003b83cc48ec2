package session

import "time"

const (
	EventPaused        = "session.paused"
	EventAutoPaused    = "session.auto_paused"
	EventResumed       = "session.resumed"
	EventError         = "session.error"
	EventReinitialized = "session.reinitialized"
)

// Event is the Data of every session.* bus event.
type Event struct {
	Identity       string    `json:"identity"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	Reason         string    `json:"reason,omitempty"`
	FloodWaitUntil time.Time `json:"flood_wait_until,omitempty"`
	Error          string    `json:"error,omitempty"`
}
