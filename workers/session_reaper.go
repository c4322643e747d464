// Package workers runs the orchestrator's periodic jobs.
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Reaper is the slice of the session manager the jobs drive.
type Reaper interface {
	ReapIdle(now time.Time) (stopped, evicted int)
	Heartbeat(ctx context.Context) error
}

// Reloader rescans the games directory.
type Reloader interface {
	Reload() error
}

// SessionReaper stops idle sessions, evicts expired ones, renews ownership
// leases and optionally reloads the catalog, each on its own gocron job.
type SessionReaper struct {
	sessions Reaper
	catalog  Reloader
	interval time.Duration
	reload   time.Duration
	log      logrus.FieldLogger

	sched gocron.Scheduler
}

// NewSessionReaper schedules the jobs without starting them. A zero reload
// interval or nil catalog disables catalog reloads.
func NewSessionReaper(sessions Reaper, catalog Reloader, interval, reload time.Duration, log logrus.FieldLogger) (*SessionReaper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("reaper interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	r := &SessionReaper{
		sessions: sessions,
		catalog:  catalog,
		interval: interval,
		reload:   reload,
		log:      log.WithField("component", "workers.reaper"),
		sched:    sched,
	}

	jobs := []struct {
		name  string
		every time.Duration
		task  func()
	}{
		{"reap-idle", interval, r.reapIdle},
		{"owner-heartbeat", interval, r.heartbeat},
	}
	if catalog != nil && reload > 0 {
		jobs = append(jobs, struct {
			name  string
			every time.Duration
			task  func()
		}{"catalog-reload", reload, r.reloadCatalog})
	}
	for _, j := range jobs {
		if _, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return r, nil
}

func (r *SessionReaper) Start() {
	r.sched.Start()
	r.log.WithField("interval", r.interval).Info("🔁 Session reaper running")
}

// Shutdown stops the scheduler and waits for running jobs.
func (r *SessionReaper) Shutdown() error {
	return r.sched.Shutdown()
}

func (r *SessionReaper) reapIdle() {
	stopped, evicted := r.sessions.ReapIdle(time.Now())
	if stopped > 0 || evicted > 0 {
		r.log.WithFields(logrus.Fields{"stopped": stopped, "evicted": evicted}).Info("Reaped sessions")
	}
}

func (r *SessionReaper) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	if err := r.sessions.Heartbeat(ctx); err != nil {
		r.log.WithError(err).Warn("Owner lease renewal failed")
	}
}

func (r *SessionReaper) reloadCatalog() {
	if err := r.catalog.Reload(); err != nil {
		r.log.WithError(err).Warn("Catalog reload failed, keeping the previous catalog")
	}
}
