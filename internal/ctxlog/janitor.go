package ctxlog

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Janitor runs the retention sweep on a schedule, complementing the lazy
// sweep performed on append. A store with no traffic still ages out its
// segments.
type Janitor struct {
	cron *cron.Cron
}

// StartJanitor schedules an hourly sweep against the store. Call Stop to
// halt the schedule.
func StartJanitor(store *Store, logger *slog.Logger) (*Janitor, error) {
	c := cron.New()
	_, err := c.AddFunc("@hourly", store.Sweep)
	if err != nil {
		return nil, err
	}
	c.Start()
	if logger != nil {
		logger.Info("ctxlog janitor started", "schedule", "@hourly")
	}
	return &Janitor{cron: c}, nil
}

// Stop halts the schedule; a sweep already in flight completes.
func (j *Janitor) Stop() {
	if j == nil || j.cron == nil {
		return
	}
	j.cron.Stop()
}
