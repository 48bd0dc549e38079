package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Retention defaults used by the helper.
const (
	DefaultRetentionSchedule = "@hourly"
	DefaultKeep              = 100000
)

// RunRetention prunes the journal down to the newest keep entries on every
// tick of schedule until ctx is cancelled.
func (j *Journal) RunRetention(ctx context.Context, schedule string, keep int) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		removed, err := j.Prune(keep)
		if err != nil {
			j.logger.Error("journal prune failed", slog.String("error", err.Error()))
			return
		}
		if removed > 0 {
			j.logger.Info("journal pruned",
				slog.Int("removed", removed),
				slog.Int("keep", keep),
			)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
