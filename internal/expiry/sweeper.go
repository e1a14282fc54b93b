// Package expiry terminates exam sessions whose assignment window has
// closed.
package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"labgate/internal/apperr"
	"labgate/internal/audit"
	"labgate/internal/lifecycle"
	"labgate/internal/metrics"
	"labgate/internal/models"
	"labgate/internal/registry"
	"labgate/internal/repository"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// Store is the slice of the record store the sweeper needs.
type Store interface {
	ListActiveExamSessions(ctx context.Context) ([]models.ExpiringExamSession, error)
	ExamSessionByID(ctx context.Context, id int64) (*models.ExamSession, error)
	CompleteExamSession(ctx context.Context, id int64, endedAt time.Time) (bool, error)
}

// Runtime stops and removes containers by name.
type Runtime interface {
	Stop(ctx context.Context, nameOrID string) error
	Remove(ctx context.Context, nameOrID string) error
}

// Config holds configuration for creating a new Sweeper.
type Config struct {
	Store    Store
	Runtime  Runtime
	Registry *registry.Registry
	Audit    audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Interval time.Duration
	Now      func() time.Time
}

// Sweeper periodically ends expired exam sessions.
type Sweeper struct {
	store    Store
	runtime  Runtime
	registry *registry.Registry
	audit    audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	// sweepMu serialises sweeps so a tick and an on-demand check never
	// overlap.
	sweepMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:    cfg.Store,
		runtime:  cfg.Runtime,
		registry: cfg.Registry,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.Named("expiry"),
		interval: cfg.Interval,
		now:      cfg.Now,
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("expiry sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// A tick runs to completion even if shutdown starts midway.
			if _, err := s.CheckExpired(context.WithoutCancel(s.ctx)); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// CheckExpired terminates every active exam session whose end time has
// passed and returns how many it terminated.
func (s *Sweeper) CheckExpired(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	sessions, err := s.store.ListActiveExamSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	terminated := 0
	for _, session := range sessions {
		if session.EndTime == nil || !now.After(*session.EndTime) {
			continue
		}
		done, err := s.Terminate(ctx, session.ExamSession, "sweeper")
		if err != nil {
			s.logger.Error("terminate expired exam session failed",
				zap.Int64("exam_session_id", session.ID), zap.Error(err))
			continue
		}
		if done {
			terminated++
		}
	}

	if terminated > 0 {
		s.logger.Info("expired exam sessions terminated", zap.Int("count", terminated))
	}
	return terminated, nil
}

// EndExamSession force-ends one exam session. Ending a completed session
// is a no-op.
func (s *Sweeper) EndExamSession(ctx context.Context, id int64) error {
	session, err := s.store.ExamSessionByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.Wrap(err, apperr.ErrNotFound, "exam session not found")
		}
		return apperr.Wrap(err, apperr.ErrInternal, "")
	}
	if session.Status == models.ExamCompleted {
		return nil
	}
	if _, err := s.Terminate(ctx, *session, "operator"); err != nil {
		return apperr.Wrap(err, apperr.ErrInternal, "")
	}
	return nil
}

// Terminate stops and removes the session's container, marks the record
// completed and forgets the registry entry. Container errors are logged
// and do not prevent completion. The boolean reports whether this call
// completed the record.
func (s *Sweeper) Terminate(ctx context.Context, session models.ExamSession, actor string) (bool, error) {
	key := lifecycle.ExamName(session.AssignmentID, session.StudentID)
	logger := s.logger.With(zap.String("key", key), zap.Int64("exam_session_id", session.ID))

	if err := s.runtime.Stop(ctx, key); err != nil {
		logger.Warn("stop exam desktop failed", zap.Error(err))
	}
	if err := s.runtime.Remove(ctx, key); err != nil {
		logger.Warn("remove exam desktop failed", zap.Error(err))
	}

	changed, err := s.store.CompleteExamSession(ctx, session.ID, s.now())
	if err != nil {
		return false, err
	}

	if s.registry != nil {
		s.registry.Forget(key)
	}
	if !changed {
		return false, nil
	}

	event := audit.EventSessionEnded
	if actor == "sweeper" {
		event = audit.EventExamExpired
		if s.metrics != nil {
			s.metrics.ExamsExpired.Inc()
		}
	}
	entry := audit.Entry{Event: event, SessionKey: key, Kind: string(lifecycle.KindExam), BackingID: session.ID, Actor: actor}
	if session.ContainerID != nil {
		entry.ContainerID = *session.ContainerID
	}
	if s.audit != nil {
		if err := s.audit.Log(entry); err != nil {
			logger.Warn("audit log failed", zap.Error(err))
		}
	}
	logger.Info("exam session terminated", zap.String("actor", actor))
	return true, nil
}
