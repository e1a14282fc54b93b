// Package workspace manages the host directories bind-mounted into desktop
// containers as the student's home.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"labgate/internal/models"
)

const (
	// InstructionsFile is the read-only file generated per assignment.
	InstructionsFile = "INSTRUCTIONS.md"
	assignmentsDir   = "assignments"
	maxSlugLength    = 48
)

// Config holds configuration for creating a new Manager.
type Config struct {
	// Root is the workspace root as seen by this process.
	Root string
	// HostRoot is the same directory as seen by the Docker daemon.
	// Defaults to Root.
	HostRoot string
	UID      int
	GID      int
	Logger   *zap.Logger
}

// Manager lays out student workspaces under a root directory.
type Manager struct {
	root     string
	hostRoot string
	uid      int
	gid      int
	logger   *zap.Logger
}

// NewManager creates a workspace manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HostRoot == "" {
		cfg.HostRoot = cfg.Root
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	return &Manager{
		root:     root,
		hostRoot: filepath.Clean(cfg.HostRoot),
		uid:      cfg.UID,
		gid:      cfg.GID,
		logger:   cfg.Logger.Named("workspace"),
	}, nil
}

// CoursePath is the local directory of a student's course workspace.
func (m *Manager) CoursePath(courseID, studentID int64) string {
	return filepath.Join(m.root, "courses", id(courseID), "students", id(studentID))
}

// ExamPath is the local directory of a student's exam workspace.
func (m *Manager) ExamPath(assignmentID, studentID int64) string {
	return filepath.Join(m.root, "exams", id(assignmentID), "students", id(studentID))
}

// HostPath maps a local workspace path to the path the Docker daemon sees.
func (m *Manager) HostPath(local string) (string, error) {
	rel, err := filepath.Rel(m.root, filepath.Clean(local))
	if err != nil {
		return "", fmt.Errorf("map workspace path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside workspace root %s", local, m.root)
	}
	return filepath.Join(m.hostRoot, rel), nil
}

// EnsureCourseWorkspace creates the course directory if needed and
// returns its local path.
func (m *Manager) EnsureCourseWorkspace(courseID, studentID int64) (string, error) {
	dir := m.CoursePath(courseID, studentID)
	if _, err := m.ensureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// EnsureExamWorkspace creates the exam directory if needed. The boolean
// reports whether it was created by this call.
func (m *Manager) EnsureExamWorkspace(assignmentID, studentID int64) (string, bool, error) {
	dir := m.ExamPath(assignmentID, studentID)
	created, err := m.ensureDir(dir)
	if err != nil {
		return "", false, err
	}
	return dir, created, nil
}

func (m *Manager) ensureDir(dir string) (bool, error) {
	_, err := os.Stat(dir)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("create workspace: %w", err)
	}
	m.chown(dir)
	m.logger.Info("created workspace", zap.String("path", dir))
	return true, nil
}

// SyncInstructions regenerates the read-only instruction file of every
// assignment under dir/assignments/{id}-{slug}/.
func (m *Manager) SyncInstructions(dir string, assignments []models.Assignment) error {
	base := filepath.Join(dir, assignmentsDir)
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("create assignments directory: %w", err)
	}
	m.chown(base)

	var errs []error
	for _, a := range assignments {
		name := AssignmentDirName(a.ID, a.Title)
		if err := validateSegment(name); err != nil {
			errs = append(errs, fmt.Errorf("assignment %d: %w", a.ID, err))
			continue
		}
		adir := filepath.Join(base, name)
		if err := os.MkdirAll(adir, 0755); err != nil {
			errs = append(errs, fmt.Errorf("assignment %d: create directory: %w", a.ID, err))
			continue
		}
		m.chown(adir)
		if err := m.writeReadOnly(filepath.Join(adir, InstructionsFile), renderInstructions(a)); err != nil {
			errs = append(errs, fmt.Errorf("assignment %d: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SeedExam writes the exam instructions at the top of an exam workspace.
func (m *Manager) SeedExam(dir string, a models.Assignment) error {
	return m.writeReadOnly(filepath.Join(dir, InstructionsFile), renderInstructions(a))
}

// writeReadOnly replaces path with content at mode 0444. The old file is
// removed first because it is not writable.
func (m *Manager) writeReadOnly(path string, content []byte) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, content, 0444); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	// WriteFile is subject to umask.
	if err := os.Chmod(path, 0444); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	m.chown(path)
	return nil
}

// chown hands path to the desktop user. Failure is expected when the
// gateway runs unprivileged and is only logged.
func (m *Manager) chown(path string) {
	if m.uid <= 0 && m.gid <= 0 {
		return
	}
	if err := os.Lchown(path, m.uid, m.gid); err != nil {
		m.logger.Debug("chown workspace path failed", zap.String("path", path), zap.Error(err))
	}
}

func renderInstructions(a models.Assignment) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(a.Title))
	if a.IsExam {
		if a.StartTime != nil {
			fmt.Fprintf(&b, "Opens: %s\n", a.StartTime.UTC().Format("2006-01-02 15:04 MST"))
		}
		if a.EndTime != nil {
			fmt.Fprintf(&b, "Closes: %s\n", a.EndTime.UTC().Format("2006-01-02 15:04 MST"))
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(a.Instructions))
	b.WriteString("\n")
	return []byte(b.String())
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a title into a lowercase, dash-separated path segment.
func Slug(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	if s == "" {
		return "assignment"
	}
	return s
}

// AssignmentDirName is the directory name for an assignment.
func AssignmentDirName(assignmentID int64, title string) string {
	return id(assignmentID) + "-" + Slug(title)
}

// validateSegment ensures a directory name is a single safe path element.
func validateSegment(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("name cannot contain /")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain ..")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("name cannot contain null bytes")
	}
	return nil
}

func id(n int64) string {
	return strconv.FormatInt(n, 10)
}
