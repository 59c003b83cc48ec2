package app

import (
	"slices"

	"fanout/internal/config"
	logx "fanout/pkg/logx"
)

// sections whose new values only take effect after a restart.
var restartSections = []string{"metrics", "storage", "telegram"}

// applyUpdate pushes a reloaded config into the running components. A
// component that rejects its part keeps its previous settings.
func (a *App) applyUpdate(u config.Update) {
	rt := u.New
	if rt == nil {
		return
	}
	log := a.log.With(logx.Strings("changed", u.Changed))

	for _, section := range u.Changed {
		switch section {
		case "logging":
			if err := a.logs.Apply(mapLogging(rt)); err != nil {
				log.Warn("logging config partly applied", logx.Err(err))
			}
		case "throttle":
			if err := a.limiter.Apply(mapThrottle(rt)); err != nil {
				log.Warn("throttle config rejected", logx.Err(err))
			}
		case "queue":
			a.queue.Apply(mapQueue(rt))
		case "dispatch":
			a.dispatch.Apply(mapDispatch(rt))
		case "sessions":
			a.registerSessions(rt.Sessions)
		case "broadcasts":
			if err := a.sched.Apply(mapJobs(rt)); err != nil {
				log.Warn("broadcasts rejected", logx.Err(err))
			}
		default:
			if slices.Contains(restartSections, section) {
				log.Warn("config section changed; restart to apply", logx.String("section", section))
			}
		}
	}
	a.rt = rt
	log.Info("config applied")
}

// registerSessions adds identities that are new. Removed identities stay
// registered so in-flight work can settle.
func (a *App) registerSessions(ids []string) {
	for _, id := range ids {
		if _, err := a.sessions.Get(id); err == nil {
			continue
		}
		if _, err := a.sessions.Register(id); err != nil {
			a.log.Warn("session register failed", logx.String("session", id), logx.Err(err))
			continue
		}
		a.log.Info("session registered", logx.String("session", id))
	}
}
