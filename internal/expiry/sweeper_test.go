package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"labgate/internal/apperr"
	"labgate/internal/audit"
	"labgate/internal/lifecycle"
	"labgate/internal/models"
	"labgate/internal/registry"
	"labgate/internal/repository"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[int64]*models.ExamSession
	ends     map[int64]*time.Time // assignment id -> end time
	listErr  error
}

func (f *fakeStore) ListActiveExamSessions(context.Context) ([]models.ExpiringExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.ExpiringExamSession
	for _, s := range f.sessions {
		if s.Status == models.ExamActive {
			out = append(out, models.ExpiringExamSession{ExamSession: *s, EndTime: f.ends[s.AssignmentID]})
		}
	}
	return out, nil
}

func (f *fakeStore) ExamSessionByID(_ context.Context, id int64) (*models.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("exam session %d: %w", id, repository.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) CompleteExamSession(_ context.Context, id int64, endedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status == models.ExamCompleted {
		return false, nil
	}
	s.Status = models.ExamCompleted
	s.EndedAt = &endedAt
	return true, nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	stopped []string
	removed []string
	failing bool
}

func (f *fakeRuntime) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	if f.failing {
		return errors.New("daemon unreachable")
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	if f.failing {
		return errors.New("daemon unreachable")
	}
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Log(e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type fixture struct {
	store    *fakeStore
	runtime  *fakeRuntime
	registry *registry.Registry
	audit    *memAudit
	sweeper  *Sweeper
	now      time.Time
}

func newFixture() *fixture {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-5 * time.Minute)
	future := now.Add(time.Hour)

	f := &fixture{
		store: &fakeStore{
			sessions: map[int64]*models.ExamSession{
				1: {ID: 1, AssignmentID: 9, StudentID: 4, Status: models.ExamActive},
				2: {ID: 2, AssignmentID: 10, StudentID: 4, Status: models.ExamActive},
				3: {ID: 3, AssignmentID: 9, StudentID: 5, Status: models.ExamPending},
			},
			ends: map[int64]*time.Time{9: &past, 10: &future},
		},
		runtime:  &fakeRuntime{},
		registry: registry.New(registry.Config{}),
		audit:    &memAudit{},
		now:      now,
	}
	f.registry.Register("exam-9-4", registry.Handle{ContainerID: "c1", Kind: lifecycle.KindExam, BackingID: 1})
	f.registry.Register("exam-10-4", registry.Handle{ContainerID: "c2", Kind: lifecycle.KindExam, BackingID: 2})

	f.sweeper = New(Config{
		Store:    f.store,
		Runtime:  f.runtime,
		Registry: f.registry,
		Audit:    f.audit,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func TestCheckExpiredTerminatesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	n, err := f.sweeper.CheckExpired(ctx)
	if err != nil {
		t.Fatalf("CheckExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("first sweep terminated %d, want 1", n)
	}

	n, err = f.sweeper.CheckExpired(ctx)
	if err != nil {
		t.Fatalf("second CheckExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep terminated %d, want 0", n)
	}

	if got := f.store.sessions[1].Status; got != models.ExamCompleted {
		t.Errorf("session 1 status = %q, want completed", got)
	}
	if f.store.sessions[1].EndedAt == nil {
		t.Error("session 1 ended_at should be set")
	}
	if got := f.store.sessions[2].Status; got != models.ExamActive {
		t.Errorf("session 2 status = %q, want active", got)
	}
	if len(f.runtime.stopped) != 1 || f.runtime.stopped[0] != "exam-9-4" {
		t.Errorf("stopped = %v, want [exam-9-4]", f.runtime.stopped)
	}
	if len(f.runtime.removed) != 1 || f.runtime.removed[0] != "exam-9-4" {
		t.Errorf("removed = %v, want [exam-9-4]", f.runtime.removed)
	}
	if _, ok := f.registry.Lookup("exam-9-4"); ok {
		t.Error("expired session should be forgotten")
	}
	if _, ok := f.registry.Lookup("exam-10-4"); !ok {
		t.Error("running session should stay registered")
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Event != audit.EventExamExpired {
		t.Errorf("audit entries = %+v, want one exam.expired", f.audit.entries)
	}
}

func TestCheckExpiredCompletesDespiteRuntimeErrors(t *testing.T) {
	f := newFixture()
	f.runtime.failing = true

	n, err := f.sweeper.CheckExpired(context.Background())
	if err != nil {
		t.Fatalf("CheckExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("terminated %d, want 1", n)
	}
	if got := f.store.sessions[1].Status; got != models.ExamCompleted {
		t.Errorf("status = %q, want completed", got)
	}
}

func TestCheckExpiredListError(t *testing.T) {
	f := newFixture()
	f.store.listErr = errors.New("db down")

	if _, err := f.sweeper.CheckExpired(context.Background()); err == nil {
		t.Error("expected list error to surface")
	}
}

func TestEndExamSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.sweeper.EndExamSession(ctx, 2); err != nil {
		t.Fatalf("EndExamSession failed: %v", err)
	}
	if got := f.store.sessions[2].Status; got != models.ExamCompleted {
		t.Errorf("status = %q, want completed", got)
	}
	if f.audit.entries[0].Event != audit.EventSessionEnded || f.audit.entries[0].Actor != "operator" {
		t.Errorf("audit entry = %+v", f.audit.entries[0])
	}

	if err := f.sweeper.EndExamSession(ctx, 2); err != nil {
		t.Errorf("ending a completed session should be a no-op, got %v", err)
	}

	err := f.sweeper.EndExamSession(ctx, 99)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("EndExamSession(99) = %v, want not found", err)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture()
	f.sweeper.interval = 20 * time.Millisecond

	if err := f.sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, _ := f.store.ExamSessionByID(context.Background(), 1)
		if s.Status == models.ExamCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.sweeper.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	s, _ := f.store.ExamSessionByID(context.Background(), 1)
	if s.Status != models.ExamCompleted {
		t.Error("background sweep did not terminate the expired session")
	}
}
