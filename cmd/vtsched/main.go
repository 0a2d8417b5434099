package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vtsched/internal/job"
	"vtsched/internal/platform"
	"vtsched/internal/sched"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yml (defaults when empty)")
		cpus       = flag.Int("cpus", 0, "number of cores to schedule, 0 = from config")
		tracePath  = flag.String("trace", "", "write a CSV event trace to this file")
		runFor     = flag.Duration("for", 0, "stop after this long, 0 = when all jobs are done")
		verbose    = flag.Bool("v", false, "log every scheduling decision")
		stack      bytesize.ByteSize
	)
	flag.Var(&stack, "stack", "default task stack size, e.g. 16KB")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(colorable.NewColorableStdout())
	log.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	logrus.SetOutput(log.Out)
	logrus.SetFormatter(log.Formatter)

	// Read the configuration
	cfg, err := sched.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("config not found, using defaults")
	} else if err != nil {
		log.WithError(err).Fatal("cannot load config")
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if stack > 0 {
		cfg.StackSize = stack
	}
	if *tracePath != "" {
		cfg.TraceCSV = *tracePath
	}
	if online, err := platform.OnlineCPUs(); err == nil && cfg.Affinity && cfg.CPUs > online {
		log.WithFields(logrus.Fields{"cpus": cfg.CPUs, "online": online}).Warn("more cores than online CPUs, pinning will fail")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("bad log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	logrus.SetLevel(level)

	opts := []sched.Option{sched.WithLogger(log)}
	var tracers sched.MultiTracer
	if *verbose {
		tracers = append(tracers, sched.LogTracer{Log: log, Level: logrus.InfoLevel})
	}
	var csvTrace *sched.CSVTracer
	if cfg.TraceCSV != "" {
		csvTrace, err = sched.NewCSVTracer(cfg.TraceCSV)
		if err != nil {
			log.WithError(err).Fatal("cannot open trace")
		}
		tracers = append(tracers, csvTrace)
	}
	if len(tracers) > 0 {
		opts = append(opts, sched.WithTracer(tracers))
	}

	sys, err := sched.NewSystem(cfg, opts...)
	if err != nil {
		log.WithError(err).Fatal("cannot build system")
	}

	// jobs from the config first, then from the command line
	lines := append(append([]string{}, cfg.Tasks...), flag.Args()...)
	for _, line := range lines {
		sp, err := job.Parse(line)
		if err != nil {
			log.WithError(err).Error("skipping job")
			continue
		}
		t, err := job.Spawn(sys, sp)
		if err != nil {
			log.WithError(err).WithField("job", line).Error("cannot spawn")
			continue
		}
		log.WithFields(logrus.Fields{"task": t.ID, "name": t.Name, "cpu": t.CPU()}).Info("spawned")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.Run(ctx) })
	if *runFor == 0 {
		g.Go(func() error {
			waitForJobs(ctx, sys)
			cancel()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("scheduler stopped")
	}
	sys.Close()

	for i := 0; i < sys.NumCPU(); i++ {
		st := sys.CPU(i).Stats()
		log.WithFields(logrus.Fields{
			"cpu":        st.CPU,
			"dispatches": st.Dispatches,
			"idles":      st.Idles,
			"ticks":      st.Ticks,
		}).Info("core summary")
	}
	if csvTrace != nil {
		if err := csvTrace.Close(); err != nil {
			log.WithError(err).Error("cannot flush trace")
		}
	}
}

// waitForJobs returns once every task has exited or ctx is done.
func waitForJobs(ctx context.Context, sys *sched.System) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for sys.Tasks() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
