// Package schedule implements the task scheduler: cron-expression and
// interval tasks that launch workflow executions, plus named cron jobs for
// engine housekeeping.
//
// A single master loop ticks on a fixed cadence (default one minute), fires
// every task whose next_execution has come due, and recomputes the next
// firing. A task missed across several ticks fires once, not once per
// missed window.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/value"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("scheduled task not found")
	// ErrJobNotFound is returned for unknown cron job ids.
	ErrJobNotFound = errors.New("cron job not found")
	// ErrInvalidTask is returned when a task fails validation.
	ErrInvalidTask = errors.New("invalid scheduled task")
)

// Launcher starts workflow executions for due tasks. The engine satisfies
// it.
type Launcher interface {
	Launch(ctx context.Context, workflowID string, input map[string]value.Value, trigger string) (string, error)
}

// NextRun computes the next firing of a cron expression after the given
// instant, in the named timezone (UTC when empty). Standard five-field
// expressions, descriptors such as @daily, and @every intervals are all
// accepted.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	return sched.Next(after.In(loc)), nil
}

// Task is one recurring workflow launch.
type Task struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	Name           string                 `json:"name,omitempty"`
	Expression     string                 `json:"cron_expression"`
	Timezone       string                 `json:"timezone,omitempty"`
	Input          map[string]value.Value `json:"input,omitempty"`
	Active         bool                   `json:"active"`
	NextExecution  time.Time              `json:"next_execution"`
	LastExecution  *time.Time             `json:"last_execution,omitempty"`
	ExecutionCount int                    `json:"execution_count"`

	// MaxExecutions deactivates the task after that many firings. Zero
	// means unlimited.
	MaxExecutions int `json:"max_executions,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	sched cron.Schedule
	loc   *time.Location
}

func (t *Task) clone() *Task {
	cp := *t
	cp.Input = value.CloneMap(t.Input)
	if t.LastExecution != nil {
		last := *t.LastExecution
		cp.LastExecution = &last
	}
	return &cp
}

// CronJob is a named function fired on a cron schedule, used for
// housekeeping such as state cleanup and for trigger-service time triggers.
type CronJob struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"cron_expression"`
	Timezone   string    `json:"timezone,omitempty"`
	NextRun    time.Time `json:"next_run"`
	RunCount   int       `json:"run_count"`

	fn    func(context.Context)
	sched cron.Schedule
	loc   *time.Location
}

// JobSpec describes a cron job to register.
type JobSpec struct {
	Name       string
	Expression string
	Timezone   string
}

// Config bounds the scheduler.
type Config struct {
	// Tick is the master loop cadence. Default one minute.
	Tick time.Duration `json:"tick"`
}

// Scheduler owns scheduled tasks and cron jobs.
type Scheduler struct {
	launcher Launcher
	logger   zerolog.Logger
	tick     time.Duration
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
	jobs  map[string]*CronJob

	wg sync.WaitGroup
}

// NewScheduler wires a scheduler over the launcher.
func NewScheduler(launcher Launcher, cfg Config, logger zerolog.Logger) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		launcher: launcher,
		logger:   logger.With().Str("component", "task_scheduler").Logger(),
		tick:     tick,
		now:      time.Now,
		tasks:    make(map[string]*Task),
		jobs:     make(map[string]*CronJob),
	}
}

// AddTask validates and stores a task. The cron expression is parsed at
// registration so a malformed expression never reaches the loop. The task
// starts active with next_execution computed from now.
func (s *Scheduler) AddTask(t Task) (*Task, error) {
	if t.WorkflowID == "" {
		return nil, fmt.Errorf("%w: workflow_id is required", ErrInvalidTask)
	}
	sched, err := cron.ParseStandard(t.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cron %q: %v", ErrInvalidTask, t.Expression, err)
	}
	loc := time.UTC
	if t.Timezone != "" {
		loc, err = time.LoadLocation(t.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: load timezone %q: %v", ErrInvalidTask, t.Timezone, err)
		}
	}

	if t.ID == "" {
		t.ID = "task_" + uuid.NewString()
	}
	now := s.now()
	t.Active = true
	t.CreatedAt = now
	t.ExecutionCount = 0
	t.LastExecution = nil
	t.NextExecution = sched.Next(now.In(loc))
	t.Input = value.CloneMap(t.Input)
	t.sched = sched
	t.loc = loc

	s.mu.Lock()
	s.tasks[t.ID] = &t
	s.mu.Unlock()

	s.logger.Info().
		Str("task_id", t.ID).
		Str("workflow_id", t.WorkflowID).
		Str("cron", t.Expression).
		Time("next_execution", t.NextExecution).
		Msg("task scheduled")
	return t.clone(), nil
}

// RemoveTask deletes a task.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	return nil
}

// PauseTask stops a task from firing without losing it.
func (s *Scheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Active = false
	return nil
}

// ResumeTask reactivates a paused task. The next execution is recomputed
// from now so a long pause does not cause an immediate catch-up volley.
func (s *Scheduler) ResumeTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Active = true
	t.NextExecution = t.sched.Next(s.now().In(t.loc))
	return nil
}

// Task returns a copy of one task.
func (s *Scheduler) Task(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// Tasks returns copies of all tasks ordered by next execution.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextExecution.Equal(out[j].NextExecution) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextExecution.Before(out[j].NextExecution)
	})
	return out
}

// AddCronJob registers a named function on a cron schedule.
func (s *Scheduler) AddCronJob(spec JobSpec, fn func(context.Context)) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil job function", ErrInvalidTask)
	}
	sched, err := cron.ParseStandard(spec.Expression)
	if err != nil {
		return "", fmt.Errorf("%w: parse cron %q: %v", ErrInvalidTask, spec.Expression, err)
	}
	loc := time.UTC
	if spec.Timezone != "" {
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			return "", fmt.Errorf("%w: load timezone %q: %v", ErrInvalidTask, spec.Timezone, err)
		}
	}
	job := &CronJob{
		ID:         "job_" + uuid.NewString(),
		Name:       spec.Name,
		Expression: spec.Expression,
		Timezone:   spec.Timezone,
		NextRun:    sched.Next(s.now().In(loc)),
		fn:         fn,
		sched:      sched,
		loc:        loc,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.ID, nil
}

// RemoveCronJob deletes a cron job.
func (s *Scheduler) RemoveCronJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns copies of the registered cron jobs, sorted by id.
func (s *Scheduler) Jobs() []CronJob {
	s.mu.Lock()
	out := make([]CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		cp.fn = nil
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the master loop until ctx is done, then waits for in-flight
// firings.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info().Dur("tick", s.tick).Msg("task scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Msg("task scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick fires every due task and cron job once and returns how many fired.
// Exposed so tests and callers can drive time explicitly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	fired := 0

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if t.Active && !t.NextExecution.After(now) {
			local := now.In(t.loc)
			t.ExecutionCount++
			last := now
			t.LastExecution = &last
			// Next strictly after now: a window missed across several
			// ticks fires exactly once.
			t.NextExecution = t.sched.Next(local)
			if t.MaxExecutions > 0 && t.ExecutionCount >= t.MaxExecutions {
				t.Active = false
				s.logger.Info().
					Str("task_id", t.ID).
					Int("executions", t.ExecutionCount).
					Msg("task reached max executions")
			}
			due = append(due, t.clone())
		}
	}
	var dueJobs []*CronJob
	for _, j := range s.jobs {
		if !j.NextRun.After(now) {
			j.RunCount++
			j.NextRun = j.sched.Next(now.In(j.loc))
			jj := *j
			dueJobs = append(dueJobs, &jj)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		fired++
		task := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			execID, err := s.launcher.Launch(ctx, task.WorkflowID, task.Input, "scheduled")
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("task_id", task.ID).
					Str("workflow_id", task.WorkflowID).
					Msg("scheduled launch failed")
				return
			}
			s.logger.Debug().
				Str("task_id", task.ID).
				Str("execution_id", execID).
				Msg("scheduled launch")
		}()
	}
	for _, j := range dueJobs {
		fired++
		job := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.fn(ctx)
		}()
	}
	return fired
}

// Wait blocks until all in-flight firings have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
