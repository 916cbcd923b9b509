// Package maintenance runs periodic housekeeping for long-running modes:
// sweeping expired credential sessions and idle stream limiters, and
// expiring warm tenant cache entries.
package maintenance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"logfanout/internal/logging"
)

// JobInfo describes a registered job for external inspection.
type JobInfo struct {
	ID       string    // gocron UUID
	Name     string    // e.g. "sweep-delivery"
	Schedule string    // interval
	LastRun  time.Time // zero if never run
	NextRun  time.Time // zero if not scheduled
}

// Scheduler is the shared job scheduler. Every periodic task registers a
// named job here.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job // name → job
	schedules map[string]string     // name → schedule (for ListJobs)
	logger    *slog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		logger:    logging.Default(logger).With("component", "maintenance"),
	}, nil
}

// AddInterval registers a named job that runs every interval.
func (s *Scheduler) AddInterval(name string, interval time.Duration, taskFn any, args ...any) error {
	if interval <= 0 {
		return fmt.Errorf("scheduled job %s: interval must be positive", name)
	}
	return s.add(name, interval.String(), gocron.DurationJob(interval), taskFn, args...)
}

func (s *Scheduler) add(name, schedule string, def gocron.JobDefinition, taskFn any, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		def,
		gocron.NewTask(taskFn, args...),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.schedules[name] = schedule
	s.logger.Info("scheduled job added", "name", name, "schedule", schedule)
	return nil
}

// ListJobs returns info about all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			ID:       j.ID().String(),
			Name:     name,
			Schedule: s.schedules[name],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	jobs := s.ListJobs()
	for _, j := range jobs {
		s.logger.Debug("job scheduled", "name", j.Name, "schedule", j.Schedule, "next_run", j.NextRun)
	}
	s.logger.Info("scheduler started", "jobs", len(jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
