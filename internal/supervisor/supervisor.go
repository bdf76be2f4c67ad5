// Package supervisor runs queued batches one at a time. A single goroutine owns
// all worker state and is driven through a command channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/ingest"
	"github.com/mattjoyce/accession/internal/log"
)

// ErrNotStarted is returned by commands sent before Start.
var ErrNotStarted = errors.New("supervisor not started")

// Queue is the part of the batch queue the supervisor drives.
type Queue interface {
	ingest.Relocator
	Adopt(ctx context.Context, preparedDir string) (batchqueue.Handle, error)
	DequeueOldest(ctx context.Context) (*batchqueue.Handle, error)
	ReadyCount(ctx context.Context) (int, error)
	Exists(h batchqueue.Handle) bool
	Unready(h batchqueue.Handle) error
	MarkReady(h batchqueue.Handle) error
}

// Controller is the operator-facing surface of the supervisor.
type Controller interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	RunNow(ctx context.Context, preparedDir string) (ingest.Status, error)
	WaitUntilIdle(ctx context.Context) error
	WaitUntilActive(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

type Options struct {
	PollInterval time.Duration
	// HaltTimeout bounds how long Pause waits for a halted task before cancelling it.
	HaltTimeout  time.Duration
	KeepFinished bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval: cfg.Service.PollInterval,
		HaltTimeout:  cfg.Ingest.HaltTimeout,
		KeepFinished: cfg.Queue.KeepFinished,
	}
}

// Status is a snapshot of the worker.
type Status struct {
	Running      bool           `json:"running"`
	Paused       bool           `json:"paused"`
	ReadyBatches int            `json:"ready_batches"`
	Active       *ingest.Status `json:"active,omitempty"`
	Last         *ingest.Status `json:"last,omitempty"`
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdWaitIdle
	cmdWaitActive
	cmdStatus
)

type command struct {
	kind   commandKind
	done   chan struct{}
	status chan Status
}

type run struct {
	task      *ingest.Task
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	reclaimed bool
}

type Supervisor struct {
	env     ingest.Env
	queue   Queue
	opts    Options
	logger  *slog.Logger
	cmds    chan command
	stopped chan struct{}
	started atomic.Bool

	// Owned by the loop goroutine.
	paused        bool
	ready         int
	active        *run
	last          *run
	haltTimer     *time.Timer
	idleWaiters   []chan struct{}
	activeWaiters []chan struct{}
}

// New builds a supervisor whose tasks relocate batches through q.
func New(env ingest.Env, q Queue, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	env.Queue = q
	env.Options.KeepFinished = opts.KeepFinished
	return &Supervisor{
		env:     env,
		queue:   q,
		opts:    opts,
		logger:  log.WithComponent("supervisor"),
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker loop. It runs until ctx is cancelled; the active
// task is cancelled with it and joined before Done is closed.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already started")
	}
	s.logger.Info("supervisor started", "poll_interval", s.opts.PollInterval.String())
	go s.loop(ctx)
	return nil
}

// Done is closed once the worker loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.stopped }

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		var taskDone <-chan struct{}
		if s.active != nil {
			taskDone = s.active.done
		}
		var haltExpired <-chan time.Time
		if s.haltTimer != nil {
			haltExpired = s.haltTimer.C
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case cmd := <-s.cmds:
			s.handle(ctx, cmd)
		case <-taskDone:
			s.taskEnded()
			s.tick(ctx)
		case <-haltExpired:
			s.haltTimer = nil
			if s.active != nil {
				s.logger.Warn("task did not halt in time, cancelling", "batch", s.active.task.Handle().Name)
				s.active.cancel()
			}
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdPause:
		if !s.paused {
			s.paused = true
			s.logger.Info("supervisor paused")
		}
		if s.active != nil && s.haltTimer == nil {
			s.active.task.Halt()
			if s.opts.HaltTimeout > 0 {
				s.haltTimer = time.NewTimer(s.opts.HaltTimeout)
			}
		}
		close(cmd.done)
	case cmdResume:
		if s.paused {
			s.paused = false
			s.logger.Info("supervisor resumed")
		}
		close(cmd.done)
		s.tick(ctx)
	case cmdWaitIdle:
		if s.active == nil {
			close(cmd.done)
			return
		}
		s.idleWaiters = append(s.idleWaiters, cmd.done)
	case cmdWaitActive:
		if s.active != nil {
			close(cmd.done)
			return
		}
		s.activeWaiters = append(s.activeWaiters, cmd.done)
	case cmdStatus:
		cmd.status <- s.snapshot()
	}
}

func (s *Supervisor) snapshot() Status {
	st := Status{Running: true, Paused: s.paused, ReadyBatches: s.ready}
	if s.active != nil {
		a := s.active.task.Status()
		st.Active = &a
	}
	if s.last != nil {
		l := s.last.task.Status()
		st.Last = &l
	}
	return st
}

// tick reclaims the previous batch and starts the next one when the worker is free.
func (s *Supervisor) tick(ctx context.Context) {
	if s.active != nil || ctx.Err() != nil {
		return
	}
	if s.last != nil && !s.last.reclaimed {
		s.reclaim(ctx, s.last.task, s.last.err)
		s.last.reclaimed = true
	}

	n, err := s.queue.ReadyCount(ctx)
	if err != nil {
		s.logger.Error("cannot count ready batches", "error", err)
	}
	s.ready = n
	s.env.Metrics.SetQueueDepth(n)
	if s.paused || n == 0 {
		return
	}

	h, err := s.queue.DequeueOldest(ctx)
	if err != nil {
		s.logger.Error("dequeue failed", "error", err)
		return
	}
	if h == nil {
		return
	}
	s.startTask(ctx, *h)
}

func (s *Supervisor) startTask(ctx context.Context, h batchqueue.Handle) {
	taskCtx, cancel := context.WithCancel(ctx)
	r := &run{
		task:   ingest.NewTask(s.env, h),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = r
	s.env.Metrics.SetTaskActive(true)
	s.logger.Info("batch task starting", "batch", h.Name)

	go func() {
		defer close(r.done)
		r.err = r.task.Run(taskCtx)
	}()

	for _, w := range s.activeWaiters {
		close(w)
	}
	s.activeWaiters = nil
}

func (s *Supervisor) taskEnded() {
	r := s.active
	r.cancel()
	s.active = nil
	s.last = r
	if s.haltTimer != nil {
		s.haltTimer.Stop()
		s.haltTimer = nil
	}
	s.env.Metrics.SetTaskActive(false)
	s.logger.Info("batch task ended", "batch", r.task.Handle().Name, "outcome", string(r.task.Outcome()), "error", r.err)

	for _, w := range s.idleWaiters {
		close(w)
	}
	s.idleWaiters = nil
}

func (s *Supervisor) shutdown() {
	if s.haltTimer != nil {
		s.haltTimer.Stop()
		s.haltTimer = nil
	}
	if s.active != nil {
		s.active.task.Halt()
		<-s.active.done
		s.taskEnded()
	}
	s.logger.Info("supervisor stopped")
}

// reclaim finishes the relocation a task could not do itself. Halted or
// cancelled batches stay queued with READY and resume from their progress log
// on the next dequeue. A batch stopped by an unrecognized fault stays in the queue area but
// loses its READY marker.
func (s *Supervisor) reclaim(ctx context.Context, t *ingest.Task, runErr error) {
	h := t.Handle()
	if h.Area != batchqueue.AreaQueued || !s.queue.Exists(h) {
		return
	}
	logger := s.logger.With("batch", h.Name)

	var err error
	switch t.Outcome() {
	case ingest.OutcomeFailed:
		_, err = s.queue.RelocateToFailed(ctx, h)
	case ingest.OutcomeFinished:
		if s.opts.KeepFinished {
			_, err = s.queue.RelocateToFinished(ctx, h)
		} else {
			err = s.queue.Discard(ctx, h)
		}
	case ingest.OutcomeStopped:
		if errors.Is(runErr, ingest.ErrFault) {
			logger.Error("batch left in queue area after fault; inspect and re-mark READY to retry")
			err = s.queue.Unready(h)
		} else {
			// Batches run through RunNow were adopted without READY.
			err = s.queue.MarkReady(h)
		}
	}
	if err != nil {
		logger.Error("reclaim failed", "error", err)
	}
}

func (s *Supervisor) send(ctx context.Context, cmd command) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.stopped:
		return fmt.Errorf("supervisor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops dequeuing, halts the active task and waits for it to end.
func (s *Supervisor) Pause(ctx context.Context) error {
	cmd := command{kind: cmdPause, done: make(chan struct{})}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	if err := s.await(ctx, cmd.done); err != nil {
		return err
	}
	return s.WaitUntilIdle(ctx)
}

func (s *Supervisor) Resume(ctx context.Context) error {
	cmd := command{kind: cmdResume, done: make(chan struct{})}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	return s.await(ctx, cmd.done)
}

func (s *Supervisor) WaitUntilIdle(ctx context.Context) error {
	cmd := command{kind: cmdWaitIdle, done: make(chan struct{})}
	if err := s.send(ctx, cmd); err != nil {
		if errors.Is(err, ErrNotStarted) {
			return nil
		}
		return err
	}
	return s.await(ctx, cmd.done)
}

func (s *Supervisor) WaitUntilActive(ctx context.Context) error {
	cmd := command{kind: cmdWaitActive, done: make(chan struct{})}
	if err := s.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.stopped:
		return fmt.Errorf("supervisor stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	cmd := command{kind: cmdStatus, status: make(chan Status, 1)}
	if err := s.send(ctx, cmd); err != nil {
		if errors.Is(err, ErrNotStarted) {
			return Status{}, nil
		}
		return Status{}, err
	}
	select {
	case st := <-cmd.status:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// RunNow moves preparedDir into the queue area without a READY marker and runs
// it on the calling goroutine, independently of the worker loop. A halted or
// cancelled run is marked READY so the worker loop resumes it.
func (s *Supervisor) RunNow(ctx context.Context, preparedDir string) (ingest.Status, error) {
	h, err := s.queue.Adopt(ctx, preparedDir)
	if err != nil {
		return ingest.Status{}, err
	}
	s.logger.Info("running batch outside the queue", "batch", h.Name)
	t := ingest.NewTask(s.env, h)
	runErr := t.Run(ctx)
	s.reclaim(context.WithoutCancel(ctx), t, runErr)
	return t.Status(), runErr
}

var _ Controller = (*Supervisor)(nil)
