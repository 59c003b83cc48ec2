package scheduler

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

type RunState string

const (
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
	RunDone    RunState = "done"
	RunFailed  RunState = "failed"
	RunSkipped RunState = "skipped"
)

// RunStatus tracks one firing of a job.
type RunStatus struct {
	ID        string    `json:"id"`
	Job       string    `json:"job"`
	Session   string    `json:"session"`
	SourceID  string    `json:"source_id"`
	State     RunState  `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	DoneAt    time.Time `json:"done_at,omitempty"`

	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func (r *RunStatus) finished() bool {
	return r.State == RunDone || r.State == RunFailed || r.State == RunSkipped
}

func (s *Service) Status(id string) (RunStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.runs[id]
	if st == nil {
		return RunStatus{}, false
	}
	return *st, true
}

// Runs lists the retained run statuses, newest first.
func (s *Service) Runs() []RunStatus {
	s.statusMu.RLock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, st := range s.runs {
		out = append(out, *st)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) putStatus(st *RunStatus) {
	s.statusMu.Lock()
	s.runs[st.ID] = st
	s.statusMu.Unlock()
	s.pruneStatus(s.clock.Now())
}

func (s *Service) updateStatus(id string, fn func(*RunStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.runs[id]; st != nil {
		fn(st)
	}
}

// pruneStatus drops finished runs older than the TTL, then the oldest
// finished runs until the map fits. Unfinished runs are never dropped.
func (s *Service) pruneStatus(now time.Time) {
	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.runs {
		if st.finished() && now.Sub(st.DoneAt) > ttl {
			delete(s.runs, id)
		}
	}
	over := len(s.runs) - max
	if over <= 0 {
		return
	}

	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.runs))
	for id, st := range s.runs {
		if st.finished() {
			cands = append(cands, cand{id: id, t: st.DoneAt})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.runs, cands[i].id)
		over--
	}
}
