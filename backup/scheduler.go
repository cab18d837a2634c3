package backup

import (
	"context"
	"log"
	"time"
)

// Scheduler polls the store for due backup schedules and runs them. Scheduled backups are sealed under the
// service passphrase from configuration instead of an owner password, so they can run unattended.
type Scheduler struct {
	svc    *Service
	secret string
	tick   time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// NewScheduler returns a scheduler running due backups every tick.
func NewScheduler(svc *Service, secret string, tick time.Duration) *Scheduler {
	return &Scheduler{
		svc:    svc,
		secret: secret,
		tick:   tick,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run starts the polling loop in its own goroutine.
func (sc *Scheduler) Run() {
	go sc.loop()
}

// Stop ends the polling loop and waits for the current pass to finish.
func (sc *Scheduler) Stop() {
	close(sc.stop)
	<-sc.done
}

func (sc *Scheduler) loop() {
	defer close(sc.done)

	t := time.NewTicker(sc.tick)
	defer t.Stop()

	for {
		select {
		case <-sc.stop:
			return
		case <-t.C:
			sc.pass(time.Now().UTC())
		}
	}
}

// pass runs every schedule that has come due and advances its next run.
func (sc *Scheduler) pass(now time.Time) {
	due, err := sc.svc.db.DueSchedules(now)
	if err != nil {
		log.Printf("[scheduler] Error reading due schedules:%e", err)

		return
	}

	for _, d := range due {
		if _, err = sc.svc.Create(context.Background(), d.Owner, Options{
			Password:  sc.secret,
			WithTxs:   d.WithTxs,
			Scheduled: true,
		}); err != nil {
			log.Printf("[%s] Error running scheduled backup:%e", d.Owner, err)
		} else if d.Retention > 0 {
			if _, err = sc.svc.Cleanup(context.Background(), d.Owner, d.Retention); err != nil {
				log.Printf("[%s] Error pruning old backups:%e", d.Owner, err)
			}
		}

		d.LastRun = now
		d.NextRun = now.Add(intervals[d.Frequency])

		if err = sc.svc.db.UpsertSchedule(d); err != nil {
			log.Printf("[%s] Error advancing schedule:%e", d.Owner, err)
		}
	}
}
