// Package job holds the workloads the boot shell can start and the parser
// for their command lines.
package job

import (
	"time"

	"github.com/sirupsen/logrus"

	"vtsched/internal/sched"
)

// SpinWork returns a CPU-bound entry that burns the core for d of clock
// time, checking for preemption between units of work.
func SpinWork(d time.Duration) sched.Func {
	return func(t *sched.Task, _ any) {
		start := t.Now()
		deadline := start + d
		var units uint64
		for t.Now() < deadline {
			units++
			t.PreemptPoint()
		}
		report(t, start, logrus.Fields{"units": units})
	}
}

// YieldWork returns an entry that gives up the core count times.
func YieldWork(count int) sched.Func {
	return func(t *sched.Task, _ any) {
		start := t.Now()
		for i := 0; i < count; i++ {
			t.Yield()
		}
		report(t, start, logrus.Fields{"yields": count})
	}
}

// report logs what a finished workload did, tagged with its output binding.
func report(t *sched.Task, start time.Duration, fields logrus.Fields) {
	st := t.Stats()
	entry := logrus.WithFields(fields).WithFields(logrus.Fields{
		"task":        t.ID,
		"name":        t.Name,
		"cpu":         t.CPU(),
		"wall":        t.Now() - start,
		"runtime":     st.Runtime,
		"dispatches":  st.Dispatches,
		"preemptions": st.Preemptions,
	})
	if t.Output != "" {
		entry = entry.WithField("output", t.Output)
	}
	entry.Info("job finished")
}
