package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
)

// CronTrigger wraps robfig/cron to fire RunNightly on a schedule, independent
// of the on-demand HTTP triggers (§4.8).
type CronTrigger struct {
	sched *Scheduler
	cron  *cron.Cron
}

// NewCronTrigger builds a trigger using the standard 5-field cron spec
// (default "0 2 * * *", 2am daily).
func NewCronTrigger(sched *Scheduler, spec string) (*CronTrigger, error) {
	if spec == "" {
		spec = "0 2 * * *"
	}
	c := cron.New()
	t := &CronTrigger{sched: sched, cron: c}
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if err := sched.RunNightly(ctx); err != nil {
			sched.log.WithContext(ctx).WithError(err).Error("nightly cron run failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *CronTrigger) Start() { t.cron.Start() }
func (t *CronTrigger) Stop()  { t.cron.Stop() }
