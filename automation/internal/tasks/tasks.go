// Package tasks holds the asynq task type names shared by the consumer
// (which enqueues) and the worker (which handles).
package tasks

const (
	TypeEventProcess = "event.process"
	TypeLedgerSweep  = "ledger.sweep"
	TypeScheduleScan = "schedule.scan"
)
