// Package schedule wraps cron for the twice-per-session decision runs.
package schedule

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of scheduled work.
type Job interface {
	Name() string
	Run() error
}

// Scheduler manages background jobs on cron schedules with a seconds
// field, e.g. "0 35 9 * * MON-FRI".
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers a job. Job errors are logged, never fatal.
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", spec).Str("job", job.Name()).Msg("job registered")
	return nil
}
