package sched

import "errors"

var (
	ErrTaskExited   = errors.New("task has exited")
	ErrTooManyTasks = errors.New("task table full")
	ErrNoSuchCPU    = errors.New("no such cpu")
	ErrTaskRunning  = errors.New("task is running")
	ErrNilEntry     = errors.New("nil task entry")
	ErrHalted       = errors.New("system is closed")
)
