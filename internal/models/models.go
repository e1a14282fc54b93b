// Package models holds the durable records the gateway reads and updates.
package models

import (
	"strings"
	"time"
)

// ContainerStatus mirrors the runtime state of an enrollment's container.
type ContainerStatus string

const (
	ContainerStopped ContainerStatus = "stopped"
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
)

// ExamStatus is the lifecycle of an exam attempt.
type ExamStatus string

const (
	ExamPending   ExamStatus = "pending"
	ExamActive    ExamStatus = "active"
	ExamCompleted ExamStatus = "completed"
)

// Course groups enrollments and assignments.
type Course struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Enrollment links one student to one course and owns the access token
// and the state of the student's regular desktop container.
type Enrollment struct {
	ID              int64           `db:"id" json:"id"`
	StudentID       int64           `db:"student_id" json:"student_id"`
	CourseID        int64           `db:"course_id" json:"course_id"`
	ContainerID     *string         `db:"container_id" json:"container_id,omitempty"`
	ContainerStatus ContainerStatus `db:"container_status" json:"container_status"`
	AccessToken     string          `db:"access_token" json:"-"`
}

// RestrictionTemplate lists the domains reachable from inside a desktop.
type RestrictionTemplate struct {
	ID             int64  `db:"id" json:"id"`
	Name           string `db:"name" json:"name"`
	AllowedDomains string `db:"allowed_domains" json:"allowed_domains"`
}

// Domains splits the comma-separated allowlist.
func (t *RestrictionTemplate) Domains() []string {
	if t == nil || t.AllowedDomains == "" {
		return nil
	}
	parts := strings.Split(t.AllowedDomains, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Assignment is a unit of coursework; exams carry a time window.
type Assignment struct {
	ID           int64                `db:"id" json:"id"`
	CourseID     int64                `db:"course_id" json:"course_id"`
	Title        string               `db:"title" json:"title"`
	Instructions string               `db:"instructions" json:"instructions"`
	IsExam       bool                 `db:"is_exam" json:"is_exam"`
	StartTime    *time.Time           `db:"start_time" json:"start_time,omitempty"`
	EndTime      *time.Time           `db:"end_time" json:"end_time,omitempty"`
	TemplateID   *int64               `db:"template_id" json:"template_id,omitempty"`
	Template     *RestrictionTemplate `db:"-" json:"template,omitempty"`
}

// NotStarted reports whether now is before the start of the window.
func (a *Assignment) NotStarted(now time.Time) bool {
	return a.StartTime != nil && now.Before(*a.StartTime)
}

// Ended reports whether now is after the end of the window.
func (a *Assignment) Ended(now time.Time) bool {
	return a.EndTime != nil && now.After(*a.EndTime)
}

// ExamSession is one student's attempt at one exam assignment.
type ExamSession struct {
	ID             int64      `db:"id" json:"id"`
	AssignmentID   int64      `db:"assignment_id" json:"assignment_id"`
	StudentID      int64      `db:"student_id" json:"student_id"`
	ContainerID    *string    `db:"container_id" json:"container_id,omitempty"`
	WorkVolumePath string     `db:"work_volume_path" json:"work_volume_path"`
	Status         ExamStatus `db:"status" json:"status"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt        *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// ExpiringExamSession is an active exam session joined with the end time
// of its assignment.
type ExpiringExamSession struct {
	ExamSession
	EndTime *time.Time `db:"end_time" json:"end_time,omitempty"`
}
