package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseRiskLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    RiskLevel
		wantErr bool
	}{
		{"low", RiskLow, false},
		{" Medium ", RiskMedium, false},
		{"HIGH", RiskHigh, false},
		{"critical", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRiskLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRiskLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRiskLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTriggerType(t *testing.T) {
	tests := []struct {
		in      string
		want    TriggerType
		wantErr bool
	}{
		{"bug_report", TriggerBugReport, false},
		{"user-request", TriggerUserRequest, false},
		{" Scheduled-Audit ", TriggerScheduledAudit, false},
		{"self-detected", TriggerSelfDetected, false},
		{"whim", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseTriggerType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTriggerType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTriggerType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaxRisk(t *testing.T) {
	if got := MaxRisk(RiskLow, RiskHigh); got != RiskHigh {
		t.Errorf("MaxRisk(low, high) = %s", got)
	}
	if got := MaxRisk(RiskMedium, RiskLow); got != RiskMedium {
		t.Errorf("MaxRisk(medium, low) = %s", got)
	}
}

func TestBranchNameFor(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	if got := BranchNameFor(ts); got != "holly/improvement-1700000000123" {
		t.Errorf("BranchNameFor() = %q", got)
	}
}

func TestCanTransition_NoSkippingDecision(t *testing.T) {
	decisionStates := []Status{StatusAutoApproved, StatusPendingReview}
	for _, from := range Statuses {
		for _, to := range decisionStates {
			if CanTransition(from, to) && from != StatusAnalyzing {
				t.Errorf("%s -> %s must only be reachable from analyzing", from, to)
			}
		}
	}
	if CanTransition(StatusPlanned, StatusCoding) {
		t.Error("planned -> coding skips the decision step")
	}
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range Statuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range Statuses {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not move to %s", from, to)
			}
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := &Improvement{
		FilesChanged: []string{"a.go"},
		CodeChanges:  map[string]string{"a.go": "package a"},
		TriggerData:  map[string]any{"k": "v"},
	}
	c := orig.Clone()
	c.FilesChanged[0] = "b.go"
	c.CodeChanges["a.go"] = "changed"
	c.TriggerData["k"] = "x"

	if orig.FilesChanged[0] != "a.go" || orig.CodeChanges["a.go"] != "package a" || orig.TriggerData["k"] != "v" {
		t.Error("Clone() shares state with the original")
	}
}

func TestNormalizeSet(t *testing.T) {
	got := NormalizeSet([]string{" b ", "a", "", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("NormalizeSet() = %v", got)
	}
}

func TestTransitionError_Is(t *testing.T) {
	err := error(&TransitionError{From: StatusDeployed, To: StatusCoding})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("TransitionError should unwrap to ErrInvalidTransition")
	}
}
