// Package scheduler runs the billing batch jobs on cron schedules and on demand.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// JobFunc runs one batch and returns its result summary
type JobFunc func(ctx context.Context) (interface{}, error)

// Job is a named batch on a cron schedule. An empty schedule registers a job that
// only runs when triggered.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      JobFunc
}

// JobStatus is the last known state of a job
type JobStatus struct {
	Name         string      `json:"name"`
	Schedule     string      `json:"schedule,omitempty"`
	Running      bool        `json:"running"`
	Runs         int         `json:"runs"`
	LastRun      *time.Time  `json:"last_run,omitempty"`
	NextRun      *time.Time  `json:"next_run,omitempty"`
	LastDuration string      `json:"last_duration,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	LastResult   interface{} `json:"last_result,omitempty"`
}

type entry struct {
	job     Job
	cronID  cron.EntryID
	status  JobStatus
	running bool
}

// Scheduler manages recurring billing jobs
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*entry
	emitter *events.Emitter
	logger  *logger.Logger
	mu      sync.Mutex
	wg      sync.WaitGroup
	// base is cancelled by Stop so running jobs see shutdown
	base   context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Panics in cron-triggered jobs are recovered and logged.
func New(log *logger.Logger, emitter *events.Emitter) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(log.Slog().Handler(), slog.LevelError))
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger))),
		jobs:    make(map[string]*entry),
		emitter: emitter,
		logger:  log,
		base:    base,
		cancel:  cancel,
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return &models.ValidationError{Field: "job", Message: "name and run func are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %q registered twice", job.Name)
	}

	e := &entry{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	if job.Schedule != "" {
		id, err := s.cron.AddFunc(job.Schedule, func() {
			if _, err := s.run(s.base, job.Name, "cron"); err != nil {
				s.logger.Debug("Scheduled job did not complete", "job", job.Name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
		e.cronID = id
	}
	s.jobs[job.Name] = e
	s.logger.Info("Scheduled job", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start begins firing cron schedules
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedules, cancels running jobs and waits for them
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// TriggerManual runs a job now and waits for it. A job that is already running
// is not started twice.
func (s *Scheduler) TriggerManual(ctx context.Context, name string) (*JobStatus, error) {
	return s.run(ctx, name, "manual")
}

func (s *Scheduler) run(ctx context.Context, name, trigger string) (*JobStatus, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %q: %w", name, models.ErrNotFound)
	}
	if e.running {
		s.mu.Unlock()
		s.logger.Warn("Job already running, skipping", "job", name, "trigger", trigger)
		return nil, &models.InvalidStateError{Entity: "job", ID: name, Status: "running"}
	}
	e.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	s.logger.Info("Job started", "job", name, "trigger", trigger)
	s.emitter.Emit(events.TypeJob, events.JobStarted, events.JobEventData{Job: name})

	started := time.Now().UTC()
	result, err := s.invoke(ctx, e.job)
	elapsed := time.Since(started)

	s.mu.Lock()
	e.running = false
	e.status.Runs++
	e.status.LastRun = &started
	e.status.LastDuration = elapsed.String()
	e.status.LastResult = result
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	status := s.snapshot(e)
	s.mu.Unlock()

	data := events.JobEventData{Job: name, Duration: elapsed.String(), Result: result}
	if err != nil {
		data.Error = err.Error()
		s.logger.Error("Job failed", "job", name, "duration", elapsed, "error", err)
	} else {
		s.logger.Info("Job completed", "job", name, "duration", elapsed)
	}
	s.emitter.Emit(events.TypeJob, events.JobCompleted, data)
	return &status, err
}

func (s *Scheduler) invoke(ctx context.Context, job Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// snapshot must be called with s.mu held
func (s *Scheduler) snapshot(e *entry) JobStatus {
	status := e.status
	status.Running = e.running
	if e.cronID != 0 {
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// Status returns every job sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
