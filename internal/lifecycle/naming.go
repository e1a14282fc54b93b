package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes regular course desktops from exam desktops.
type Kind string

const (
	KindRegular Kind = "regular"
	KindExam    Kind = "exam"
)

const (
	regularPrefix = "lms-"
	examPrefix    = "exam-"
)

// RegularName is the container name, and session key, for a student's
// course desktop.
func RegularName(courseID, studentID int64) string {
	return fmt.Sprintf("%s%d-%d", regularPrefix, courseID, studentID)
}

// ExamName is the container name, and session key, for a student's exam
// desktop.
func ExamName(assignmentID, studentID int64) string {
	return fmt.Sprintf("%s%d-%d", examPrefix, assignmentID, studentID)
}

// ParsedName is a decoded session key.
type ParsedName struct {
	Kind Kind
	// OwnerID is the course id for regular keys and the assignment id for
	// exam keys.
	OwnerID   int64
	StudentID int64
}

// ParseName decodes a session key produced by RegularName or ExamName.
func ParseName(name string) (ParsedName, bool) {
	var kind Kind
	var rest string
	switch {
	case strings.HasPrefix(name, regularPrefix):
		kind, rest = KindRegular, strings.TrimPrefix(name, regularPrefix)
	case strings.HasPrefix(name, examPrefix):
		kind, rest = KindExam, strings.TrimPrefix(name, examPrefix)
	default:
		return ParsedName{}, false
	}

	owner, student, ok := strings.Cut(rest, "-")
	if !ok {
		return ParsedName{}, false
	}
	ownerID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil || ownerID <= 0 {
		return ParsedName{}, false
	}
	studentID, err := strconv.ParseInt(student, 10, 64)
	if err != nil || studentID <= 0 {
		return ParsedName{}, false
	}
	return ParsedName{Kind: kind, OwnerID: ownerID, StudentID: studentID}, true
}
