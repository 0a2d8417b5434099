package job

import (
	"time"

	"github.com/sirupsen/logrus"

	"vtsched/internal/sched"
)

// Sleep blocks the calling task for at least d. A timer plays the part of
// the device interrupt that wakes it; if it fires before the task has
// blocked, the wake is kept pending and Block returns right away. Wakes
// from anyone else before the deadline put the task back to sleep.
func Sleep(t *sched.Task, d time.Duration) {
	h := t.Handle()
	sys := t.System()
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() {
		if err := sys.Wake(h); err != nil {
			logrus.WithError(err).WithField("task", h).Debug("sleep timer fired after exit")
		}
	})
	defer timer.Stop()
	for {
		t.Block()
		if !time.Now().Before(deadline) {
			return
		}
	}
}

// SleepWork returns an entry that sleeps for period, count times. An
// interactive task: it hardly runs and its dynice drifts down.
func SleepWork(period time.Duration, count int) sched.Func {
	return func(t *sched.Task, _ any) {
		start := t.Now()
		for i := 0; i < count; i++ {
			Sleep(t, period)
		}
		report(t, start, logrus.Fields{"sleeps": count})
	}
}
