package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Interval is how often the background loop looks for due jobs.
const Interval = time.Second

// Action is what a job does when it runs: a Func or a Command.
type Action interface {
	isAction()
}

// Func is an in-process action.
type Func func(ctx context.Context) error

// Command is an external command line, run by the crontab's CommandRunner.
type Command string

func (Func) isAction()    {}
func (Command) isAction() {}

// CommandRunner executes external command lines for Command actions.
type CommandRunner func(ctx context.Context, cmdline string) error

// JobID identifies a job in a Crontab.
type JobID uint64

type job struct {
	id     JobID
	spec   Spec
	action Action
	next   time.Time // zero while the job is pending requeue
}

// Entry is a read-only view of a scheduled job.
type Entry struct {
	ID      JobID
	Spec    Spec
	NextRun time.Time
}

// Crontab is a list of jobs kept sorted by next run time.
type Crontab struct {
	mu     sync.Mutex
	jobs   []*job
	nextID JobID

	runCmd CommandRunner
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty crontab. runCmd may be nil if no Command actions
// are used; logger defaults to slog.Default().
func New(runCmd CommandRunner, logger *slog.Logger) *Crontab {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crontab{runCmd: runCmd, logger: logger, now: time.Now}
}

// Add schedules a job. Malformed specs are rejected with ErrJobSchedule
// before the job enters the list.
func (c *Crontab) Add(spec Spec, action Action) (JobID, error) {
	if err := checkAction(action); err != nil {
		return 0, err
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if spec.IsOnce() {
		return 0, fmt.Errorf("%w: use AddOnce for one-shot jobs", ErrJobSchedule)
	}
	return c.insert(spec, action, spec.NextRun(c.now())), nil
}

// AddOnce schedules action to run once at (or after) at.
func (c *Crontab) AddOnce(at time.Time, action Action) (JobID, error) {
	if err := checkAction(action); err != nil {
		return 0, err
	}
	if at.IsZero() {
		return 0, fmt.Errorf("%w: zero run time", ErrJobSchedule)
	}
	return c.insert(OnceSpec, action, at), nil
}

func checkAction(action Action) error {
	switch a := action.(type) {
	case Func:
		if a == nil {
			return fmt.Errorf("%w: nil function", ErrJobSchedule)
		}
	case Command:
		if a == "" {
			return fmt.Errorf("%w: empty command", ErrJobSchedule)
		}
	default:
		return fmt.Errorf("%w: no action", ErrJobSchedule)
	}
	return nil
}

func (c *Crontab) insert(spec Spec, action Action, next time.Time) JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.insertLocked(&job{id: c.nextID, spec: spec, action: action, next: next})
	return c.nextID
}

// insertLocked keeps jobs sorted ascending; equal times keep insertion order.
func (c *Crontab) insertLocked(j *job) {
	i, _ := slices.BinarySearchFunc(c.jobs, j.next, func(e *job, t time.Time) int {
		if e.next.After(t) {
			return 1
		}
		return -1
	})
	c.jobs = slices.Insert(c.jobs, i, j)
}

// Remove deletes a job. It reports whether the job was found.
func (c *Crontab) Remove(id JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.jobs, func(j *job) bool { return j.id == id })
	if i < 0 {
		return false
	}
	c.jobs = slices.Delete(c.jobs, i, i+1)
	return true
}

// NextRuns lists the scheduled jobs in execution order.
func (c *Crontab) NextRuns() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.jobs))
	for i, j := range c.jobs {
		out[i] = Entry{ID: j.id, Spec: j.spec, NextRun: j.next}
	}
	return out
}

// Len returns the number of scheduled jobs.
func (c *Crontab) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// RunDue runs every job whose next run is not after now, in ascending
// order, and returns how many ran. Due jobs are taken off the list under
// the lock and executed outside it; recurring jobs are then requeued with
// a next run computed from now and one-shot jobs are dropped.
func (c *Crontab) RunDue(ctx context.Context, now time.Time) int {
	c.mu.Lock()
	n := 0
	for n < len(c.jobs) && !c.jobs[n].next.After(now) {
		c.jobs[n].next = time.Time{}
		n++
	}
	due := slices.Clone(c.jobs[:n])
	c.jobs = slices.Delete(c.jobs, 0, n)
	c.mu.Unlock()

	if n == 0 {
		return 0
	}

	for _, j := range due {
		c.run(ctx, j)
	}

	c.mu.Lock()
	for _, j := range due {
		if j.spec.IsOnce() {
			continue
		}
		j.next = j.spec.NextRun(now)
		c.insertLocked(j)
	}
	c.mu.Unlock()
	return n
}

func (c *Crontab) run(ctx context.Context, j *job) {
	var err error
	switch a := j.action.(type) {
	case Func:
		err = a(ctx)
	case Command:
		if c.runCmd == nil {
			err = errors.New("no command runner configured")
		} else {
			err = c.runCmd(ctx, string(a))
		}
	}
	if err != nil {
		c.logger.Warn("cronjob_failed", "job_id", j.id, "spec", j.spec.String(), "error", err)
		return
	}
	c.logger.Debug("cronjob_executed", "job_id", j.id, "spec", j.spec.String())
}

// Start runs the background loop that checks for due jobs every Interval
// until ctx is done or Stop is called.
func (c *Crontab) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunDue(ctx, c.now())
			}
		}
	}()
}

// Stop ends the background loop and waits for it to return.
func (c *Crontab) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
