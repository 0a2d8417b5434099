// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusNone StatusKind = iota
	StatusIdle
	StatusEnqueue
	StatusDispatch
	StatusYield
	StatusPreempt
	StatusBlock
	StatusWake
	StatusFinish
	StatusTick
	StatusPriorityUpdate
	StatusMigrate
)

// StatusEvent is emitted on every scheduling decision and, when a tracer is
// installed, on every timer tick.
type StatusEvent struct {
	Time   time.Duration // clock reading
	CPU    int
	Kind   StatusKind
	TaskID TaskID
	Name   string
	VTime  uint64
	Dynice int
	Ran    time.Duration // real time charged, for switch-out events
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusNone:
		return "None"
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusYield:
		return "Yield"
	case StatusPreempt:
		return "Preempt"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusFinish:
		return "Finish"
	case StatusTick:
		return "Tick"
	case StatusPriorityUpdate:
		return "Priority"
	case StatusMigrate:
		return "Migrate"
	default:
		return "Unknown"
	}
}
