// Package repository is the PostgreSQL record store behind the access
// resolver and the expiry sweeper.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"labgate/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

const (
	enrollmentColumns  = `id, student_id, course_id, container_id, container_status, access_token`
	examSessionColumns = `id, assignment_id, student_id, container_id, work_volume_path, status, started_at, ended_at`
	assignmentColumns  = `id, course_id, title, instructions, is_exam, start_time, end_time, template_id`
)

// Store reads and updates enrollments, assignments and exam sessions.
type Store struct {
	db *sqlx.DB
}

// NewStore instantiates the store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// EnrollmentByToken resolves an access token.
func (s *Store) EnrollmentByToken(ctx context.Context, token string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE access_token = $1`
	var enrollment models.Enrollment
	if err := s.db.GetContext(ctx, &enrollment, query, token); err != nil {
		return nil, notFound(err, "enrollment by token")
	}
	return &enrollment, nil
}

// EnrollmentByID returns an enrollment by its ID.
func (s *Store) EnrollmentByID(ctx context.Context, id int64) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := s.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, notFound(err, fmt.Sprintf("enrollment %d", id))
	}
	return &enrollment, nil
}

// UpdateEnrollmentContainer mirrors the runtime state of the enrollment's
// container. A nil containerID leaves the stored id untouched.
func (s *Store) UpdateEnrollmentContainer(ctx context.Context, id int64, containerID *string, status models.ContainerStatus) error {
	const query = `UPDATE enrollments SET container_id = COALESCE($2, container_id), container_status = $3 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, containerID, status); err != nil {
		return fmt.Errorf("update enrollment container: %w", err)
	}
	return nil
}

type assignmentRow struct {
	models.Assignment
	TemplateName    sql.NullString `db:"template_name"`
	TemplateDomains sql.NullString `db:"template_domains"`
}

// AssignmentByID returns an assignment together with its restriction
// template, if any.
func (s *Store) AssignmentByID(ctx context.Context, id int64) (*models.Assignment, error) {
	const query = `SELECT a.id, a.course_id, a.title, a.instructions, a.is_exam, a.start_time, a.end_time, a.template_id,
        t.name AS template_name, t.allowed_domains AS template_domains
        FROM assignments a
        LEFT JOIN restriction_templates t ON t.id = a.template_id
        WHERE a.id = $1`
	var row assignmentRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err, fmt.Sprintf("assignment %d", id))
	}
	assignment := row.Assignment
	if assignment.TemplateID != nil && row.TemplateName.Valid {
		assignment.Template = &models.RestrictionTemplate{
			ID:             *assignment.TemplateID,
			Name:           row.TemplateName.String,
			AllowedDomains: row.TemplateDomains.String,
		}
	}
	return &assignment, nil
}

// AssignmentsByCourse lists every assignment of a course.
func (s *Store) AssignmentsByCourse(ctx context.Context, courseID int64) ([]models.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE course_id = $1 ORDER BY id`
	var assignments []models.Assignment
	if err := s.db.SelectContext(ctx, &assignments, query, courseID); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return assignments, nil
}

// ExamSessionFor returns the most recent exam session of a student for an
// assignment, completed or not.
func (s *Store) ExamSessionFor(ctx context.Context, studentID, assignmentID int64) (*models.ExamSession, error) {
	query := `SELECT ` + examSessionColumns + ` FROM exam_sessions WHERE student_id = $1 AND assignment_id = $2 ORDER BY id DESC LIMIT 1`
	var session models.ExamSession
	if err := s.db.GetContext(ctx, &session, query, studentID, assignmentID); err != nil {
		return nil, notFound(err, "exam session")
	}
	return &session, nil
}

// ExamSessionByID returns an exam session by its ID.
func (s *Store) ExamSessionByID(ctx context.Context, id int64) (*models.ExamSession, error) {
	query := `SELECT ` + examSessionColumns + ` FROM exam_sessions WHERE id = $1`
	var session models.ExamSession
	if err := s.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, notFound(err, fmt.Sprintf("exam session %d", id))
	}
	return &session, nil
}

// CreateExamSession inserts a pending session, or returns the open one
// when another request created it first. The boolean reports whether this
// call inserted the row.
func (s *Store) CreateExamSession(ctx context.Context, assignmentID, studentID int64, workVolumePath string) (*models.ExamSession, bool, error) {
	insert := `INSERT INTO exam_sessions (assignment_id, student_id, work_volume_path, status)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (assignment_id, student_id) WHERE status <> 'completed' DO NOTHING
        RETURNING ` + examSessionColumns
	var session models.ExamSession
	err := s.db.GetContext(ctx, &session, insert, assignmentID, studentID, workVolumePath, models.ExamPending)
	if err == nil {
		return &session, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create exam session: %w", err)
	}

	existing := `SELECT ` + examSessionColumns + ` FROM exam_sessions WHERE assignment_id = $1 AND student_id = $2 AND status <> 'completed'`
	if err := s.db.GetContext(ctx, &session, existing, assignmentID, studentID); err != nil {
		return nil, false, notFound(err, "open exam session")
	}
	return &session, false, nil
}

// ActivateExamSession records the container and marks the session active.
// started_at keeps its first value. It reports false when the session was
// completed in the meantime.
func (s *Store) ActivateExamSession(ctx context.Context, id int64, containerID string, startedAt time.Time) (bool, error) {
	const query = `UPDATE exam_sessions SET status = $2, container_id = $3, started_at = COALESCE(started_at, $4) WHERE id = $1 AND status <> 'completed'`
	res, err := s.db.ExecContext(ctx, query, id, models.ExamActive, containerID, startedAt)
	if err != nil {
		return false, fmt.Errorf("activate exam session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("activate exam session: %w", err)
	}
	return n > 0, nil
}

// CompleteExamSession marks a session completed. It reports false when
// the session was already completed.
func (s *Store) CompleteExamSession(ctx context.Context, id int64, endedAt time.Time) (bool, error) {
	const query = `UPDATE exam_sessions SET status = $2, ended_at = $3 WHERE id = $1 AND status <> 'completed'`
	res, err := s.db.ExecContext(ctx, query, id, models.ExamCompleted, endedAt)
	if err != nil {
		return false, fmt.Errorf("complete exam session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete exam session: %w", err)
	}
	return n > 0, nil
}

// ListActiveExamSessions returns active sessions with the end time of
// their assignment.
func (s *Store) ListActiveExamSessions(ctx context.Context) ([]models.ExpiringExamSession, error) {
	const query = `SELECT es.id, es.assignment_id, es.student_id, es.container_id, es.work_volume_path, es.status, es.started_at, es.ended_at,
        a.end_time
        FROM exam_sessions es
        JOIN assignments a ON a.id = es.assignment_id
        WHERE es.status = $1
        ORDER BY es.id`
	var sessions []models.ExpiringExamSession
	if err := s.db.SelectContext(ctx, &sessions, query, models.ExamActive); err != nil {
		return nil, fmt.Errorf("list active exam sessions: %w", err)
	}
	return sessions, nil
}
