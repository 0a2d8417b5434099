package sched

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Tracer receives scheduler events. Events from different cores arrive
// concurrently.
type Tracer interface {
	Trace(ev StatusEvent)
}

// TracerFunc adapts a function to a Tracer.
type TracerFunc func(ev StatusEvent)

func (f TracerFunc) Trace(ev StatusEvent) { f(ev) }

// MultiTracer fans events out to several tracers.
type MultiTracer []Tracer

func (m MultiTracer) Trace(ev StatusEvent) {
	for _, tr := range m {
		tr.Trace(ev)
	}
}

// LogTracer prints events through logrus. Ticks are skipped for the brevity
// of output.
type LogTracer struct {
	Log   logrus.FieldLogger
	Level logrus.Level
}

func (lt LogTracer) Trace(ev StatusEvent) {
	if ev.Kind == StatusTick {
		return
	}

	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := (width - len(str)) / 2
		if spaces < 0 {
			spaces = 0
		}
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", max(0, width-(spaces+len(str))))
	}

	msg := fmt.Sprintf("cpu %02d [%s] => Task: %04d %-12s ran=%-10s vtime=%d dynice=%d",
		ev.CPU,
		center(ev.Kind.String(), 10),
		ev.TaskID,
		ev.Name,
		ev.Ran,
		ev.VTime,
		ev.Dynice,
	)
	lt.Log.WithField("at", ev.Time).Log(lt.Level, msg)
}

// CSVTracer writes one row per event.
type CSVTracer struct {
	mu sync.Mutex
	w  *csv.Writer
	c  io.Closer
}

// NewCSVTracer opens the given file path for CSV logging of events.
func NewCSVTracer(path string) (*CSVTracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	ct := newCSVTracer(f)
	ct.c = f
	return ct, nil
}

func newCSVTracer(w io.Writer) *CSVTracer {
	ct := &CSVTracer{w: csv.NewWriter(w)}
	// write header
	ct.w.Write([]string{"time_ns", "cpu", "event", "task_id", "name", "ran_ns", "vtime", "dynice"})
	ct.w.Flush()
	return ct
}

func (ct *CSVTracer) Trace(ev StatusEvent) {
	rec := []string{
		strconv.FormatInt(int64(ev.Time), 10),
		strconv.Itoa(ev.CPU),
		ev.Kind.String(),
		strconv.FormatUint(uint64(ev.TaskID), 10),
		ev.Name,
		strconv.FormatInt(int64(ev.Ran), 10),
		strconv.FormatUint(ev.VTime, 10),
		strconv.Itoa(ev.Dynice),
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.w.Write(rec)
	// flush every row so a crash keeps the trace up to the last event
	ct.w.Flush()
}

// Close flushes buffered rows and closes the file.
func (ct *CSVTracer) Close() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.w.Flush()
	if err := ct.w.Error(); err != nil {
		return err
	}
	if ct.c != nil {
		return ct.c.Close()
	}
	return nil
}
