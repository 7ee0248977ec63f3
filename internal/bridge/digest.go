package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the
// duration until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// runDigestScheduler posts a periodic stats digest to the default chat.
// It returns immediately if the cron expression does not parse.
func (b *Bridge) runDigestScheduler(ctx context.Context) {
	d := nextCronDuration(b.digestCron)
	if d <= 0 {
		log.Printf("bridge: digest disabled: bad cron %q", b.digestCron)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			b.notify(ctx, b.buildDigest())
			if d := nextCronDuration(b.digestCron); d > 0 {
				timer.Reset(d)
			} else {
				return
			}
		}
	}
}

// buildDigest summarizes bridge activity since startup.
func (b *Bridge) buildDigest() string {
	stats, _ := b.corr.Snapshot()
	return fmt.Sprintf(
		"Semaphore digest: %d dispatched, %d replied, %d expired, %d failed; %d sessions open.",
		stats.TotalDispatched, stats.TotalReplied, stats.TotalExpired, stats.TotalFailed,
		stats.Active)
}
