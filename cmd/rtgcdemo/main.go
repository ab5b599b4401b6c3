// Command rtgcdemo drives a Collector and a monitor Registry from the
// command line: allocate a churn of objects under a configurable heap
// limit and liveness ratio, force collections, and log verbose-GC cycle
// summaries, the final statistics and, with --dump-locks, the
// static/dynamic monitor table. Prometheus metrics are registered on a
// private registry that the command does not print or serve.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heapwright/rtgc/gc"
	"github.com/heapwright/rtgc/monitor"
)

const (
	classObj = 0
	classLog = 1
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rtgcdemo",
		Short: "Exercise the rtgc collector and monitor against synthetic churn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.Uint("heap-limit", 1<<20, "soft heap limit in bytes (0 means unbounded)")
	flags.Uint("liveness-num", 1, "liveness heuristic numerator")
	flags.Uint("liveness-den", 4, "liveness heuristic denominator")
	flags.Int("verbose", 1, "verbose-GC level: 0 silent, 1 per-cycle, 2 per-class")
	flags.Int("objects", 2000, "number of synthetic objects to allocate")
	flags.Int64("seed", 1, "PRNG seed for synthetic churn")
	flags.Duration("run-for", 2*time.Second, "how long to run before shutting down")
	flags.Bool("dump-locks", false, "dump the monitor registry's dynamic and static locks on exit")

	for _, name := range []string{"heap-limit", "liveness-num", "liveness-den", "verbose", "objects", "seed", "run-for", "dump-locks"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	v.SetEnvPrefix("RTGC")
	v.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	reg := prometheus.NewRegistry()

	c := gc.New(gc.Options{
		HeapLimit:   uintptr(v.GetUint("heap-limit")),
		LivenessNum: uintptr(v.GetUint("liveness-num")),
		LivenessDen: uintptr(v.GetUint("liveness-den")),
		Verbose:     v.GetInt("verbose"),
		Logger:      log,
		Registerer:  reg,
	}, nil)
	c.Init()

	if err := c.RegisterGC(classObj, nil, nil, nil, "synthetic-object"); err != nil {
		return fmt.Errorf("registering class: %w", err)
	}
	if err := c.RegisterFixed(classLog, "lock-record"); err != nil {
		return fmt.Errorf("registering fixed class: %w", err)
	}

	monRegistry := monitor.NewRegistry(gc.MonitorAllocator{C: c}, classLog)
	heapLock := monRegistry.InitStatic("rtgcdemo.heapLock")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Enable(ctx)

	rng := rand.New(rand.NewSource(v.GetInt64("seed")))
	n := v.GetInt("objects")
	owner := monitor.Owner(1)

	runFor := v.GetDuration("run-for")
	deadline := time.Now().Add(runFor)

	log.WithFields(logrus.Fields{"objects": n, "heap_limit": v.GetUint("heap-limit")}).Info("rtgcdemo: starting churn")

	var live []*gc.Unit
	for time.Now().Before(deadline) {
		monRegistry.LockStatic(heapLock, owner)

		if len(live) < n && rng.Intn(2) == 0 {
			u, err := c.Malloc(uintptr(16+rng.Intn(256)), classObj)
			if err == nil {
				live = append(live, u)
			}
		} else if len(live) > 0 {
			i := rng.Intn(len(live))
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		_ = monRegistry.UnlockStatic(heapLock, owner)

		if rng.Intn(50) == 0 {
			c.Invoke(false)
		}
	}

	c.Invoke(true)
	c.InvokeFinalizer()

	stats := c.Stats()
	log.WithFields(logrus.Fields{
		"total_objects": stats.TotalObj,
		"total_bytes":   stats.TotalMem,
		"freed_objects": stats.FreedObj,
	}).Info("rtgcdemo: final stats")

	if v.GetBool("dump-locks") {
		monRegistry.Dump(os.Stdout)
	}

	stop()
	c.Wait()
	return nil
}
