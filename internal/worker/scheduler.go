package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type ScheduledJob struct {
	Name string
	Run  Job
}

// JobScheduler submits its jobs to a pool every interval.
type JobScheduler struct {
	Name     string
	Interval time.Duration
	Jobs     []ScheduledJob
	Pool     *WorkingPool
	RunNow   bool
}

func NewJobScheduler(name string, interval time.Duration, pool *WorkingPool) *JobScheduler {
	return &JobScheduler{
		Name:     name,
		Interval: interval,
		Jobs:     make([]ScheduledJob, 0),
		Pool:     pool,
	}
}

// AddJob must be called before Run.
func (s *JobScheduler) AddJob(name string, job Job) {
	s.Jobs = append(s.Jobs, ScheduledJob{Name: name, Run: job})
}

func (s *JobScheduler) Run(ctx context.Context) {
	slog.Info("Scheduler running", "scheduler", s.Name, "interval", s.Interval, "jobs", len(s.Jobs))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	if s.RunNow {
		s.submitJobs()
	}

	for {
		select {
		case <-ticker.C:
			s.submitJobs()

		case <-ctx.Done():
			slog.Info("Scheduler shutting down", "scheduler", s.Name)
			return
		}
	}
}

func (s *JobScheduler) submitJobs() {
	for _, job := range s.Jobs {
		runID := uuid.NewString()
		name, run := job.Name, job.Run
		submitted := s.Pool.SubmitJob(func(ctx context.Context) error {
			err := run(ctx)
			if err != nil {
				slog.Error("Scheduled job failed", "scheduler", s.Name, "job", name, "run_id", runID, "error", err)
			}
			return err
		})
		if !submitted {
			slog.Warn("Failed to submit scheduled job", "scheduler", s.Name, "job", name, "run_id", runID)
		}
	}
}
