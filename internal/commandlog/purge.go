package commandlog

import (
	"log/slog"
	"time"

	cron "github.com/robfig/cron/v3"
)

// PurgeTask runs the command log's TTL purge on a recurring schedule,
// per §4.5: every command_log_purge_interval seconds (0 disables),
// deleting rows with time < now - command_log_max_age.
type PurgeTask struct {
	cron *cron.Cron
}

// StartPurgeTask schedules l.Purge to run every interval, using
// cron.Every rather than a hand-rolled ticker loop, the same scheduling
// library the teacher already depends on for its own cron-expression
// settings. interval <= 0 disables the task and StartPurgeTask returns nil.
func StartPurgeTask(l *Log, interval, maxAge time.Duration, logger *slog.Logger) *PurgeTask {
	if interval <= 0 {
		return nil
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		removed, err := l.Purge(time.Now(), maxAge)
		if err != nil {
			if logger != nil {
				logger.Warn("command log purge failed", "error", err)
			}
			return
		}
		if removed > 0 && logger != nil {
			logger.Info("purged stale command log rows", "removed", removed, "max_age", maxAge)
		}
	}))
	c.Start()
	return &PurgeTask{cron: c}
}

// Stop halts the scheduled purge task. Safe to call on a nil *PurgeTask.
func (p *PurgeTask) Stop() {
	if p == nil || p.cron == nil {
		return
	}
	p.cron.Stop()
}
