package pagerutil

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/lakedb/pagestore/internal/storage/pager"
	"github.com/lakedb/pagestore/internal/storage/pagerlog"
)

// CheckpointScheduler runs a pager's Checkpoint on a cron schedule,
// grounded on the donor's internal/storage/scheduler.go Scheduler (same
// cron.New/AddFunc/Start/Stop shape), narrowed from a general SQL job
// scheduler down to the one maintenance task a WAL-mode pager actually
// needs run automatically.
type CheckpointScheduler struct {
	mu sync.Mutex
	p *pager.Pager
	cron *cron.Cron
	log *pagerlog.Logger
	running bool
	lastErr error
}

// NewCheckpointScheduler builds a scheduler for p. log may be nil, in
// which case checkpoint failures are discarded rather than printed.
func NewCheckpointScheduler(p *pager.Pager, log *pagerlog.Logger) *CheckpointScheduler {
	if log == nil {
		log = pagerlog.Discard()
	}
	return &CheckpointScheduler{
		p: p,
		cron: cron.New(cron.WithSeconds()),
		log: log,
	}
}

// Start registers spec (a standard cron expression, seconds-included per
// the donor's cron.WithSeconds() convention) and begins running
// checkpoints on that schedule.
func (s *CheckpointScheduler) Start(spec string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("pagerutil: checkpoint scheduler already running")
	}
	if _, err := s.cron.AddFunc(spec, s.runCheckpoint); err != nil {
		return fmt.Errorf("pagerutil: invalid checkpoint schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.running = true
	return nil
}

func (s *CheckpointScheduler) runCheckpoint() {
	err := s.p.Checkpoint()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Errorf("checkpoint failed: %v", err)
	}
}

// Stop halts the cron scheduler and waits for any in-flight checkpoint
// to finish, mirroring the donor's Stop's ctx.Done() wait on
// cron.Stop().
func (s *CheckpointScheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// LastError returns the error from the most recent scheduled checkpoint,
// if any.
func (s *CheckpointScheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
