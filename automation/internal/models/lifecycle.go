package models

import "strings"

// Execution records move matched -> completed/partial/failed exactly once;
// skipped is written terminal. Everything else is an illegal update.
var execTransitions = map[string]map[string]bool{
	ExecStatusMatched: {
		ExecStatusCompleted: true,
		ExecStatusPartial:   true,
		ExecStatusFailed:    true,
	},
}

func NormalizeExecStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsTerminalExecStatus(status string) bool {
	switch NormalizeExecStatus(status) {
	case ExecStatusSkipped, ExecStatusCompleted, ExecStatusPartial, ExecStatusFailed:
		return true
	}
	return false
}

func CanTransitionExecStatus(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeExecStatus(fromStatus)
	toStatus = NormalizeExecStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	return execTransitions[fromStatus][toStatus]
}
