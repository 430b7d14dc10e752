package models

import "testing"

func TestCanTransitionExecStatus(t *testing.T) {
	if !CanTransitionExecStatus(ExecStatusMatched, ExecStatusCompleted) {
		t.Fatalf("expected matched -> completed to be allowed")
	}
	if !CanTransitionExecStatus(ExecStatusMatched, ExecStatusPartial) {
		t.Fatalf("expected matched -> partial to be allowed")
	}
	if CanTransitionExecStatus(ExecStatusCompleted, ExecStatusFailed) {
		t.Fatalf("expected completed -> failed to be blocked")
	}
	if CanTransitionExecStatus(ExecStatusSkipped, ExecStatusCompleted) {
		t.Fatalf("expected skipped -> completed to be blocked")
	}
}

func TestIsTerminalExecStatus(t *testing.T) {
	if IsTerminalExecStatus(ExecStatusMatched) {
		t.Fatalf("matched is not terminal")
	}
	for _, status := range []string{ExecStatusSkipped, ExecStatusCompleted, ExecStatusPartial, ExecStatusFailed} {
		if !IsTerminalExecStatus(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
}
