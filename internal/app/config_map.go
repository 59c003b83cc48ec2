package app

import (
	"fanout/internal/config"
	"fanout/internal/dispatch"
	"fanout/internal/ledger"
	"fanout/internal/queue"
	"fanout/internal/scheduler"
	"fanout/internal/throttle"
	logx "fanout/pkg/logx"
)

func mapLogging(rt *config.Runtime) logx.Config {
	return logx.Config{
		Level:   rt.Logging.Level,
		Format:  rt.Logging.Format,
		Console: rt.Logging.Console,
		File: logx.FileConfig{
			Enabled: rt.Logging.File.Enabled,
			Path:    rt.Logging.File.Path,
		},
	}
}

func mapThrottle(rt *config.Runtime) throttle.Config {
	return throttle.Config{
		Global:    throttle.Bucket{Capacity: rt.Throttle.Global.Capacity, Per: rt.Throttle.Global.Per},
		Recipient: throttle.Bucket{Capacity: rt.Throttle.Recipient.Capacity, Per: rt.Throttle.Recipient.Per},
	}
}

func mapQueue(rt *config.Runtime) queue.Config {
	return queue.Config{
		MinDelay:   rt.Queue.MinDelay,
		MaxDelay:   rt.Queue.MaxDelay,
		MaxRetries: rt.Queue.MaxRetries,
	}
}

func mapDispatch(rt *config.Runtime) dispatch.Config {
	return dispatch.Config{
		MaxRetries:  rt.Dispatch.MaxRetries,
		BackoffBase: rt.Dispatch.BackoffBase,
		BackoffMax:  rt.Dispatch.BackoffMax,
	}
}

func mapLedger(rt *config.Runtime) ledger.Config {
	return ledger.Config{
		Driver:      rt.Storage.Driver,
		Path:        rt.Storage.Path,
		BusyTimeout: rt.Storage.BusyTimeout,
	}
}

func mapJobs(rt *config.Runtime) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(rt.Broadcasts))
	for _, b := range rt.Broadcasts {
		p := dispatch.Payload{Text: b.Text, ParseMode: b.ParseMode}
		if b.CopyFrom != nil {
			p.CopyFrom = &dispatch.SourceRef{
				ChatID:     b.CopyFrom.ChatID,
				MessageIDs: append([]int(nil), b.CopyFrom.MessageIDs...),
			}
		}
		jobs = append(jobs, scheduler.Job{
			Name:       b.Name,
			Schedule:   b.Schedule,
			Session:    b.Session,
			Recipients: append([]string(nil), b.Recipients...),
			Payload:    p,
			Location:   b.Location,
		})
	}
	return jobs
}
