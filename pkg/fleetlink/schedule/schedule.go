// Package schedule emits outbound commands on cron schedules, for example
// a nightly broadcast_message or a periodic ping_device.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"go.uber.org/zap"
)

// Parser accepts standard five-field specs, an optional leading seconds
// field, descriptors such as @hourly and @every 5m, and a CRON_TZ= prefix.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Emitter sends one named command. *client.Client implements it.
type Emitter interface {
	Emit(ctx context.Context, name string, data any) error
}

// Job is a command emitted every time Spec fires.
type Job struct {
	Name    string
	Spec    string
	Command string
	Args    any
}

// Validate reports whether spec can be scheduled.
func Validate(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs jobs against a single emitter.
type Scheduler struct {
	cron    *cron.Cron
	emitter Emitter
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func New(emitter Emitter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		cron:    cron.New(cron.WithParser(Parser), cron.WithLogger(NewZapCronLogger(logger))),
		emitter: emitter,
		logger:  logger,
		jobs:    make(map[string]cron.EntryID),
	}
}

// Add schedules job. Names must be unique within a scheduler.
func (s *Scheduler) Add(job Job) error {
	if job.Command == "" {
		return fmt.Errorf("schedule %s: command is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("schedule %s is already defined", job.Name)
	}

	id, err := s.cron.AddJob(job.Spec, &emitJob{job: job, emitter: s.emitter, logger: s.logger})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = id
	return nil
}

// Remove unschedules the named job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.jobs[name]; exists {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

type emitJob struct {
	job     Job
	emitter Emitter
	logger  *zap.Logger
}

func (j *emitJob) Run() {
	err := j.emitter.Emit(context.Background(), j.job.Command, j.job.Args)
	switch {
	case err == nil:
		j.logger.Debug("Scheduled command sent", zap.String("schedule", j.job.Name), zap.String("command", j.job.Command))
	case errors.Is(err, client.ErrNotConnected):
		j.logger.Info("Scheduled command skipped while disconnected", zap.String("schedule", j.job.Name), zap.String("command", j.job.Command))
	default:
		j.logger.Warn("Scheduled command failed", zap.String("schedule", j.job.Name), zap.String("command", j.job.Command), zap.Error(err))
	}
}
