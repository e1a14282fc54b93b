package models

import (
	"testing"
	"time"
)

func TestRestrictionTemplateDomains(t *testing.T) {
	tests := []struct {
		name string
		tmpl *RestrictionTemplate
		want []string
	}{
		{"nil template", nil, nil},
		{"empty", &RestrictionTemplate{}, nil},
		{"trims and skips blanks", &RestrictionTemplate{AllowedDomains: " docs.python.org, ,pypi.org "}, []string{"docs.python.org", "pypi.org"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.tmpl.Domains()
			if len(got) != len(tt.want) {
				t.Fatalf("Domains() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Domains()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAssignmentWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	a := &Assignment{IsExam: true, StartTime: &start, EndTime: &end}

	if !a.NotStarted(start.Add(-time.Second)) {
		t.Error("expected not started before start time")
	}
	if a.NotStarted(start) || a.Ended(start) {
		t.Error("start instant is inside the window")
	}
	if a.Ended(end) {
		t.Error("end instant is inside the window")
	}
	if !a.Ended(end.Add(time.Second)) {
		t.Error("expected ended after end time")
	}

	open := &Assignment{}
	if open.NotStarted(start) || open.Ended(end.Add(time.Hour)) {
		t.Error("assignment without a window is always open")
	}
}
