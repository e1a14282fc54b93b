// Package access turns access tokens into running, registered desktop
// sessions and applies the enrollment and exam window rules.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"labgate/internal/apperr"
	"labgate/internal/audit"
	"labgate/internal/lifecycle"
	"labgate/internal/metrics"
	"labgate/internal/models"
	"labgate/internal/profile"
	"labgate/internal/registry"
	"labgate/internal/repository"
)

const (
	defaultEnsureTimeout = 90 * time.Second
	timeLayout           = "2006-01-02 15:04 MST"
)

// Store is the slice of the record store the resolver needs.
type Store interface {
	EnrollmentByToken(ctx context.Context, token string) (*models.Enrollment, error)
	EnrollmentByID(ctx context.Context, id int64) (*models.Enrollment, error)
	UpdateEnrollmentContainer(ctx context.Context, id int64, containerID *string, status models.ContainerStatus) error
	AssignmentByID(ctx context.Context, id int64) (*models.Assignment, error)
	AssignmentsByCourse(ctx context.Context, courseID int64) ([]models.Assignment, error)
	ExamSessionFor(ctx context.Context, studentID, assignmentID int64) (*models.ExamSession, error)
	CreateExamSession(ctx context.Context, assignmentID, studentID int64, workVolumePath string) (*models.ExamSession, bool, error)
	ActivateExamSession(ctx context.Context, id int64, containerID string, startedAt time.Time) (bool, error)
}

// Runtime is the container lifecycle surface the resolver drives.
type Runtime interface {
	EnsureRunning(ctx context.Context, spec lifecycle.Spec) (lifecycle.Result, error)
	Status(ctx context.Context, name string) (lifecycle.State, string, error)
	Stop(ctx context.Context, nameOrID string) error
	Remove(ctx context.Context, nameOrID string) error
}

// Workspaces prepares the host directories mounted into desktops.
type Workspaces interface {
	EnsureCourseWorkspace(courseID, studentID int64) (string, error)
	EnsureExamWorkspace(assignmentID, studentID int64) (string, bool, error)
	HostPath(local string) (string, error)
	SyncInstructions(dir string, assignments []models.Assignment) error
	SeedExam(dir string, a models.Assignment) error
}

// Terminator ends an exam session: container gone, record completed,
// registry entry forgotten.
type Terminator interface {
	Terminate(ctx context.Context, session models.ExamSession, actor string) (bool, error)
}

// Access is the outcome of a successful access request.
type Access struct {
	SessionKey     string `json:"session_key"`
	RedirectTarget string `json:"redirect_target"`
	ContainerID    string `json:"container_id"`
	Created        bool   `json:"created"`
}

// Config holds the collaborators of a Resolver.
type Config struct {
	Store      Store
	Runtime    Runtime
	Registry   *registry.Registry
	Workspaces Workspaces
	Terminator Terminator
	Profiles   lifecycle.ProfileSource
	Audit      audit.Recorder
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// ViewerPath is the viewer page inside the desktop, e.g. vnc.html.
	ViewerPath    string
	EnsureTimeout time.Duration
	Now           func() time.Time
}

// Resolver implements regular and exam access plus the operator controls
// over enrollment containers.
type Resolver struct {
	store      Store
	runtime    Runtime
	registry   *registry.Registry
	workspaces Workspaces
	terminator Terminator
	profiles   lifecycle.ProfileSource
	audit      audit.Recorder
	metrics    *metrics.Metrics
	logger     *zap.Logger

	viewerPath    string
	ensureTimeout time.Duration
	now           func() time.Time

	group singleflight.Group
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = profile.NewHolder(nil)
	}
	if cfg.ViewerPath == "" {
		cfg.ViewerPath = "vnc.html"
	}
	if cfg.EnsureTimeout <= 0 {
		cfg.EnsureTimeout = defaultEnsureTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		store:         cfg.Store,
		runtime:       cfg.Runtime,
		registry:      cfg.Registry,
		workspaces:    cfg.Workspaces,
		terminator:    cfg.Terminator,
		profiles:      cfg.Profiles,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.Named("access"),
		viewerPath:    strings.TrimPrefix(cfg.ViewerPath, "/"),
		ensureTimeout: cfg.EnsureTimeout,
		now:           cfg.Now,
	}
}

// ResolveAccess resolves a course access token into a running desktop.
func (r *Resolver) ResolveAccess(ctx context.Context, token string) (*Access, error) {
	enrollment, err := r.enrollmentByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return r.ensureRegular(ctx, enrollment)
}

// StartEnrollmentContainer runs the regular ensure path for an enrollment.
func (r *Resolver) StartEnrollmentContainer(ctx context.Context, enrollmentID int64) (*Access, error) {
	enrollment, err := r.enrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return r.ensureRegular(ctx, enrollment)
}

func (r *Resolver) ensureRegular(ctx context.Context, enrollment *models.Enrollment) (*Access, error) {
	key := lifecycle.RegularName(enrollment.CourseID, enrollment.StudentID)
	return r.coalesce(ctx, key, func(ctx context.Context) (*Access, error) {
		return r.startRegular(ctx, key, enrollment)
	})
}

func (r *Resolver) startRegular(ctx context.Context, key string, enrollment *models.Enrollment) (*Access, error) {
	logger := r.logger.With(zap.String("key", key), zap.Int64("enrollment_id", enrollment.ID))

	state, _, err := r.runtime.Status(ctx, key)
	if err != nil {
		logger.Error("inspect desktop failed", zap.Error(err))
		return nil, apperr.Wrap(err, apperr.ErrRuntimeUnavailable, "")
	}

	dir, err := r.workspaces.EnsureCourseWorkspace(enrollment.CourseID, enrollment.StudentID)
	if err != nil {
		logger.Error("prepare workspace failed", zap.Error(err))
		return nil, apperr.Wrap(err, apperr.ErrRuntimeUnavailable, "")
	}

	if state != lifecycle.StateRunning {
		r.syncInstructions(ctx, logger, dir, enrollment.CourseID)
	}

	host, err := r.workspaces.HostPath(dir)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}

	res, err := r.runtime.EnsureRunning(ctx, lifecycle.Spec{
		Name:           key,
		Kind:           lifecycle.KindRegular,
		BackingID:      enrollment.ID,
		WorkspaceHost:  host,
		AllowedDomains: r.profiles.Current().DefaultAllowedDomains,
	})
	if err != nil {
		logger.Error("ensure desktop failed", zap.Error(err))
		if res.DidCreate {
			r.mirrorEnrollment(ctx, logger, enrollment.ID, res.ContainerID, models.ContainerCreated)
		}
		return nil, apperr.Wrap(err, apperr.ErrRuntimeUnavailable, "")
	}

	r.observe(res)
	r.mirrorEnrollment(ctx, logger, enrollment.ID, res.ContainerID, models.ContainerRunning)
	r.registry.Register(key, registry.Handle{
		ContainerID: res.ContainerID,
		Kind:        lifecycle.KindRegular,
		BackingID:   enrollment.ID,
	})
	r.record(res, key, lifecycle.KindRegular, enrollment.ID)

	return r.access(key, res), nil
}

func (r *Resolver) syncInstructions(ctx context.Context, logger *zap.Logger, dir string, courseID int64) {
	assignments, err := r.store.AssignmentsByCourse(ctx, courseID)
	if err != nil {
		logger.Warn("list assignments failed, skipping instructions sync", zap.Error(err))
		return
	}
	if err := r.workspaces.SyncInstructions(dir, assignments); err != nil {
		logger.Warn("instructions sync incomplete", zap.Error(err))
	}
}

// ResolveExamAccess resolves an exam link into a running exam desktop.
func (r *Resolver) ResolveExamAccess(ctx context.Context, assignmentID int64, token string) (*Access, error) {
	enrollment, err := r.enrollmentByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	assignment, err := r.store.AssignmentByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.ErrNotFound, "exam not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	if !assignment.IsExam || assignment.CourseID != enrollment.CourseID {
		return nil, apperr.Clone(apperr.ErrForbidden, "")
	}

	now := r.now()
	if assignment.NotStarted(now) {
		return nil, apperr.Clone(apperr.ErrNotStarted,
			fmt.Sprintf("exam has not started yet, it opens at %s", assignment.StartTime.UTC().Format(timeLayout)))
	}

	existing, err := r.store.ExamSessionFor(ctx, enrollment.StudentID, assignment.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	if existing != nil && existing.Status == models.ExamCompleted {
		return nil, apperr.Clone(apperr.ErrAlreadySubmitted, "")
	}

	if assignment.Ended(now) {
		if existing != nil && existing.Status == models.ExamActive && r.terminator != nil {
			if _, err := r.terminator.Terminate(ctx, *existing, "access"); err != nil {
				r.logger.Warn("terminate ended exam session failed",
					zap.Int64("exam_session_id", existing.ID), zap.Error(err))
			}
		}
		return nil, apperr.Clone(apperr.ErrEnded,
			fmt.Sprintf("exam has ended, it closed at %s", assignment.EndTime.UTC().Format(timeLayout)))
	}

	key := lifecycle.ExamName(assignment.ID, enrollment.StudentID)
	return r.coalesce(ctx, key, func(ctx context.Context) (*Access, error) {
		return r.startExam(ctx, key, enrollment, assignment)
	})
}

func (r *Resolver) startExam(ctx context.Context, key string, enrollment *models.Enrollment, assignment *models.Assignment) (*Access, error) {
	logger := r.logger.With(zap.String("key", key), zap.Int64("assignment_id", assignment.ID))

	dir, dirCreated, err := r.workspaces.EnsureExamWorkspace(assignment.ID, enrollment.StudentID)
	if err != nil {
		logger.Error("prepare exam workspace failed", zap.Error(err))
		return nil, apperr.Wrap(err, apperr.ErrRuntimeUnavailable, "")
	}

	session, inserted, err := r.store.CreateExamSession(ctx, assignment.ID, enrollment.StudentID, dir)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	logger = logger.With(zap.Int64("exam_session_id", session.ID))

	if dirCreated || inserted {
		if err := r.workspaces.SeedExam(dir, *assignment); err != nil {
			logger.Warn("seed exam workspace failed", zap.Error(err))
		}
	}

	host, err := r.workspaces.HostPath(dir)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}

	domains := r.profiles.Current().DefaultAllowedDomains
	if assignment.Template != nil {
		domains = assignment.Template.Domains()
	}

	res, err := r.runtime.EnsureRunning(ctx, lifecycle.Spec{
		Name:           key,
		Kind:           lifecycle.KindExam,
		BackingID:      session.ID,
		WorkspaceHost:  host,
		AllowedDomains: domains,
	})
	if err != nil {
		logger.Error("ensure exam desktop failed", zap.Error(err))
		return nil, apperr.Wrap(err, apperr.ErrRuntimeUnavailable, "")
	}
	r.observe(res)

	activated, err := r.store.ActivateExamSession(ctx, session.ID, res.ContainerID, r.now())
	if err != nil {
		logger.Error("activate exam session failed", zap.Error(err))
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	if !activated {
		// Ended while the desktop was starting.
		logger.Info("exam session completed during start, removing desktop")
		r.stopAndRemove(ctx, logger, key)
		r.registry.Forget(key)
		return nil, apperr.ErrAlreadySubmitted
	}

	r.registry.Register(key, registry.Handle{
		ContainerID: res.ContainerID,
		Kind:        lifecycle.KindExam,
		BackingID:   session.ID,
	})
	r.record(res, key, lifecycle.KindExam, session.ID)

	return r.access(key, res), nil
}

// StopEnrollmentContainer stops an enrollment's desktop and records it as
// stopped.
func (r *Resolver) StopEnrollmentContainer(ctx context.Context, enrollmentID int64) error {
	enrollment, err := r.enrollmentByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	key := lifecycle.RegularName(enrollment.CourseID, enrollment.StudentID)
	logger := r.logger.With(zap.String("key", key), zap.Int64("enrollment_id", enrollment.ID))

	if err := r.runtime.Stop(ctx, key); err != nil {
		logger.Error("stop desktop failed", zap.Error(err))
		return apperr.Wrap(err, apperr.ErrRuntimeUnavailable, "failed to stop the desktop")
	}
	r.mirrorEnrollment(ctx, logger, enrollment.ID, "", models.ContainerStopped)
	r.registry.Forget(key)
	r.log(audit.Entry{Event: audit.EventSessionStopped, SessionKey: key, Kind: string(lifecycle.KindRegular), BackingID: enrollment.ID, Actor: "operator"})
	return nil
}

// TeardownEnrollment stops and removes an enrollment's desktop ahead of
// the enrollment being deleted. Runtime failures are logged and swallowed.
func (r *Resolver) TeardownEnrollment(ctx context.Context, enrollmentID int64) error {
	enrollment, err := r.enrollmentByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	key := lifecycle.RegularName(enrollment.CourseID, enrollment.StudentID)
	logger := r.logger.With(zap.String("key", key), zap.Int64("enrollment_id", enrollment.ID))

	r.stopAndRemove(ctx, logger, key)
	r.mirrorEnrollment(ctx, logger, enrollment.ID, "", models.ContainerStopped)
	r.registry.Forget(key)
	r.log(audit.Entry{Event: audit.EventSessionEnded, SessionKey: key, Kind: string(lifecycle.KindRegular), BackingID: enrollment.ID, Actor: "teardown"})
	return nil
}

// EndSession ends the session behind key. Exam sessions go through the
// terminator; regular sessions are stopped and forgotten. Keys that are
// not registered are still stopped by container name.
func (r *Resolver) EndSession(ctx context.Context, key string) error {
	parsed, ok := lifecycle.ParseName(key)
	handle, registered := r.registry.Lookup(key)
	if !ok && !registered {
		return apperr.Clone(apperr.ErrNotFound, "session not found")
	}
	logger := r.logger.With(zap.String("key", key))

	if ok && parsed.Kind == lifecycle.KindExam {
		session, err := r.store.ExamSessionFor(ctx, parsed.StudentID, parsed.OwnerID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("exam session lookup failed, stopping by name", zap.Error(err))
		}
		if session != nil && session.Status != models.ExamCompleted && r.terminator != nil {
			if _, err := r.terminator.Terminate(ctx, *session, "operator"); err != nil {
				return apperr.Wrap(err, apperr.ErrInternal, "")
			}
			return nil
		}
		r.stopAndRemove(ctx, logger, key)
		r.registry.Forget(key)
		r.log(audit.Entry{Event: audit.EventSessionEnded, SessionKey: key, Kind: string(lifecycle.KindExam), Actor: "operator"})
		return nil
	}

	if err := r.runtime.Stop(ctx, key); err != nil {
		logger.Warn("stop desktop failed", zap.Error(err))
	}
	r.registry.Forget(key)
	if registered {
		r.mirrorEnrollment(ctx, logger, handle.BackingID, "", models.ContainerStopped)
	}
	r.log(audit.Entry{Event: audit.EventSessionEnded, SessionKey: key, Kind: string(lifecycle.KindRegular), BackingID: handle.BackingID, Actor: "operator"})
	return nil
}

func (r *Resolver) stopAndRemove(ctx context.Context, logger *zap.Logger, key string) {
	if err := r.runtime.Stop(ctx, key); err != nil {
		logger.Warn("stop desktop failed", zap.Error(err))
	}
	if err := r.runtime.Remove(ctx, key); err != nil {
		logger.Warn("remove desktop failed", zap.Error(err))
	}
}

// coalesce runs fn once per key at a time; concurrent callers share the
// result. The work is detached from the first caller's cancellation.
func (r *Resolver) coalesce(ctx context.Context, key string, fn func(context.Context) (*Access, error)) (*Access, error) {
	ch := r.group.DoChan(key, func() (interface{}, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.ensureTimeout)
		defer cancel()
		return fn(workCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		a := *res.Val.(*Access)
		if res.Shared {
			a.Created = false
		}
		return &a, nil
	case <-ctx.Done():
		return nil, apperr.Wrap(ctx.Err(), apperr.ErrRuntimeUnavailable, "")
	}
}

func (r *Resolver) enrollmentByToken(ctx context.Context, token string) (*models.Enrollment, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Clone(apperr.ErrInvalidToken, "")
	}
	enrollment, err := r.store.EnrollmentByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.ErrInvalidToken, "")
		}
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	return enrollment, nil
}

func (r *Resolver) enrollmentByID(ctx context.Context, id int64) (*models.Enrollment, error) {
	enrollment, err := r.store.EnrollmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(err, apperr.ErrNotFound, "enrollment not found")
		}
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	return enrollment, nil
}

// mirrorEnrollment copies the runtime state into the enrollment record.
// The runtime stays authoritative, so failures are only logged.
func (r *Resolver) mirrorEnrollment(ctx context.Context, logger *zap.Logger, id int64, containerID string, status models.ContainerStatus) {
	var idPtr *string
	if containerID != "" {
		idPtr = &containerID
	}
	if err := r.store.UpdateEnrollmentContainer(ctx, id, idPtr, status); err != nil {
		logger.Warn("record container status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (r *Resolver) observe(res lifecycle.Result) {
	if r.metrics == nil {
		return
	}
	if res.DidCreate {
		r.metrics.ContainersCreated.Inc()
	}
	if res.DidStart {
		r.metrics.ContainersStarted.Inc()
	}
}

func (r *Resolver) record(res lifecycle.Result, key string, kind lifecycle.Kind, backingID int64) {
	event := ""
	switch {
	case res.DidCreate:
		event = audit.EventSessionCreated
	case res.DidStart:
		event = audit.EventSessionStarted
	default:
		return
	}
	r.log(audit.Entry{Event: event, SessionKey: key, Kind: string(kind), BackingID: backingID, ContainerID: res.ContainerID})
}

func (r *Resolver) log(entry audit.Entry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(entry); err != nil {
		r.logger.Warn("audit log failed", zap.String("event", entry.Event), zap.Error(err))
	}
}

func (r *Resolver) access(key string, res lifecycle.Result) *Access {
	return &Access{
		SessionKey:     key,
		RedirectTarget: RedirectTarget(key, r.viewerPath),
		ContainerID:    res.ContainerID,
		Created:        res.DidCreate,
	}
}

// RedirectTarget is the viewer URL for a session, pointing the viewer's
// WebSocket back through the gateway.
func RedirectTarget(key, viewerPath string) string {
	q := url.Values{}
	q.Set("autoconnect", "true")
	q.Set("resize", "remote")
	q.Set("path", "desktop/"+key+"/websockify")
	return "/desktop/" + key + "/" + strings.TrimPrefix(viewerPath, "/") + "?" + q.Encode()
}
