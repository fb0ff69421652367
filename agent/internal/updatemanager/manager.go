package updatemanager

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/metrics"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/installer"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/staging"
)

const (
	defaultCheckInterval = 4 * time.Hour
	defaultApplyInterval = 5 * time.Minute
)

type Stager interface {
	CheckAndStage(ctx context.Context) (staging.Outcome, error)
}

type Applier interface {
	TryApplyPending(ctx context.Context) (installer.Outcome, error)
}

// Schedule drives the two loops. Zero intervals fall back to the defaults.
type Schedule struct {
	InitialDelay  time.Duration
	CheckInterval time.Duration
	ApplyInterval time.Duration
}

// Manager runs the stage loop and the apply loop side by side. Each loop finishes its
// cycle before it waits for the next one, so cycles of the same loop never overlap.
type Manager struct {
	schedule Schedule
	stager   Stager
	applier  Applier
	metrics  *metrics.Metrics
	log      *log.Entry

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewManager(schedule Schedule, stager Stager, applier Applier, m *metrics.Metrics, logger *log.Entry) *Manager {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if schedule.CheckInterval <= 0 {
		schedule.CheckInterval = defaultCheckInterval
	}
	if schedule.ApplyInterval <= 0 {
		schedule.ApplyInterval = defaultApplyInterval
	}
	if schedule.InitialDelay < 0 {
		schedule.InitialDelay = 0
	}

	return &Manager{
		schedule: schedule,
		stager:   stager,
		applier:  applier,
		metrics:  m,
		log:      logger.WithField("component", "scheduler"),
	}
}

// Start runs the loops in the background until Stop is called or ctx is done
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.log.Errorf("update manager already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Run(ctx); err != nil {
			m.log.Errorf("update manager stopped: %v", err)
		}
	}()
}

// Stop cancels the loops and waits for the running cycles to return
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	m.wg.Wait()
}

// Run blocks until ctx is done. Cycle failures are logged and never end the loops.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Infof("update manager started: initial delay %s, check every %s, apply every %s",
		m.schedule.InitialDelay, m.schedule.CheckInterval, m.schedule.ApplyInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.loop(gctx, "stage", m.schedule.CheckInterval, func(ctx context.Context) { _ = m.StageOnce(ctx) })
		return nil
	})
	g.Go(func() error {
		m.loop(gctx, "apply", m.schedule.ApplyInterval, func(ctx context.Context) { _ = m.ApplyOnce(ctx) })
		return nil
	})

	err := g.Wait()
	m.log.Infof("update manager stopped")
	return err
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, cycle func(context.Context)) {
	if !wait(ctx, m.schedule.InitialDelay) {
		return
	}

	for {
		m.log.Debugf("%s cycle started", name)
		cycle(ctx)

		if !wait(ctx, interval) {
			m.log.Debugf("%s loop stopped", name)
			return
		}
	}
}

// RunOnce optionally stages, then always attempts an apply. It returns the failures of
// both cycles; cancellation is returned as a KindCancelled error.
func (m *Manager) RunOnce(ctx context.Context, stage bool) error {
	var merr *multierror.Error

	if stage {
		if err := m.StageOnce(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if err := m.ApplyOnce(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}

	return agenterrors.FormatErrorOrNil(merr)
}

// StageOnce runs one stage cycle, logs its outcome and returns its error
func (m *Manager) StageOnce(ctx context.Context) error {
	outcome, err := m.stager.CheckAndStage(ctx)
	m.metrics.StageCycle(outcome.String())

	switch {
	case err == nil:
		m.log.Infof("stage cycle finished: %s", outcome)
	case agenterrors.IsFailure(err):
		m.log.Errorf("stage cycle failed (%s): %v", agenterrors.KindOf(err), err)
	default:
		m.log.Infof("stage cycle cancelled: %v", err)
	}
	return err
}

// ApplyOnce runs one apply cycle, logs its outcome and returns its error
func (m *Manager) ApplyOnce(ctx context.Context) error {
	outcome, err := m.applier.TryApplyPending(ctx)
	m.metrics.ApplyAttempt(outcome.String())

	switch {
	case err == nil:
		m.log.Infof("apply cycle finished: %s", outcome)
	case agenterrors.IsFailure(err):
		m.log.Errorf("apply cycle failed (%s): %v", agenterrors.KindOf(err), err)
	default:
		m.log.Infof("apply cycle cancelled: %v", err)
	}
	return err
}

// wait returns false when ctx is done before d elapsed
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
