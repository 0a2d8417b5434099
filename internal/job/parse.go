package job

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"

	"vtsched/internal/sched"
)

// Kind names a workload.
type Kind string

const (
	KindSpin  Kind = "spin"
	KindSleep Kind = "sleep"
	KindYield Kind = "yield"
)

var (
	ErrEmptyCommand = errors.New("empty command")
	ErrUnknownKind  = errors.New("unknown job")
)

// Spec is a parsed task command line, for example
//
//	spin -name hog -nice 10 -for 200ms > hog.out
type Spec struct {
	Kind   Kind
	Name   string
	Nice   int
	CPU    int // -1 picks the least loaded core
	Stack  bytesize.ByteSize
	For    time.Duration
	Period time.Duration
	Count  int
	Input  string
	Output string
}

// Parse splits line with shell quoting rules, strips "<in" and ">out"
// bindings and parses the flags of the named workload.
func Parse(line string) (Spec, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return Spec{}, fmt.Errorf("parse %q: %w", line, err)
	}
	sp := Spec{
		Nice:   sched.DefaultNice,
		CPU:    -1,
		For:    100 * time.Millisecond,
		Period: 10 * time.Millisecond,
		Count:  10,
	}
	if words, err = sp.bindings(words); err != nil {
		return Spec{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(words) == 0 {
		return Spec{}, ErrEmptyCommand
	}

	sp.Kind = Kind(words[0])
	fs := flag.NewFlagSet(string(sp.Kind), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&sp.Name, "name", "", "task name")
	fs.IntVar(&sp.Nice, "nice", sp.Nice, "static priority, 0 (highest) to 39")
	fs.IntVar(&sp.CPU, "cpu", sp.CPU, "core to start on")
	fs.Var(&sp.Stack, "stack", "stack size, e.g. 8KB")
	switch sp.Kind {
	case KindSpin:
		fs.DurationVar(&sp.For, "for", sp.For, "how long to burn the core")
	case KindSleep:
		fs.DurationVar(&sp.Period, "period", sp.Period, "length of one sleep")
		fs.IntVar(&sp.Count, "count", sp.Count, "number of sleeps")
	case KindYield:
		fs.IntVar(&sp.Count, "count", sp.Count, "number of yields")
	default:
		return Spec{}, fmt.Errorf("parse %q: %w %q", line, ErrUnknownKind, sp.Kind)
	}
	if err := fs.Parse(words[1:]); err != nil {
		return Spec{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if fs.NArg() > 0 {
		return Spec{}, fmt.Errorf("parse %q: unexpected argument %q", line, fs.Arg(0))
	}
	if sp.Name == "" {
		sp.Name = string(sp.Kind)
	}
	return sp, nil
}

// bindings removes "<" and ">" redirections from words, attached ("<kbd")
// or separate ("< kbd"), and records them.
func (sp *Spec) bindings(words []string) ([]string, error) {
	out := words[:0]
	for i := 0; i < len(words); i++ {
		w := words[i]
		var dst *string
		switch {
		case strings.HasPrefix(w, "<"):
			dst = &sp.Input
		case strings.HasPrefix(w, ">"):
			dst = &sp.Output
		default:
			out = append(out, w)
			continue
		}
		target := w[1:]
		if target == "" {
			if i+1 >= len(words) {
				return nil, fmt.Errorf("missing target for %q", w)
			}
			i++
			target = words[i]
		}
		*dst = target
	}
	return out, nil
}

// Entry is the task body for the workload.
func (sp Spec) Entry() (sched.Func, error) {
	switch sp.Kind {
	case KindSpin:
		return SpinWork(sp.For), nil
	case KindSleep:
		return SleepWork(sp.Period, sp.Count), nil
	case KindYield:
		return YieldWork(sp.Count), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, sp.Kind)
}

// Spawn creates the task described by sp.
func Spawn(sys *sched.System, sp Spec) (*sched.Task, error) {
	entry, err := sp.Entry()
	if err != nil {
		return nil, err
	}
	cpu := sp.CPU
	if cpu < 0 {
		cpu = leastLoaded(sys)
	}
	s := sys.CPU(cpu)
	if s == nil {
		return nil, fmt.Errorf("spawn %s on cpu %d: %w", sp.Name, cpu, sched.ErrNoSuchCPU)
	}
	return s.CreateTask(sp.Name, entry, nil, int(sp.Stack), sp.Nice, sched.WithIO(sp.Input, sp.Output))
}

func leastLoaded(sys *sched.System) int {
	best, load := 0, -1
	for i := 0; i < sys.NumCPU(); i++ {
		if n := sys.CPU(i).Stats().NrRunning; load < 0 || n < load {
			best, load = i, n
		}
	}
	return best
}
