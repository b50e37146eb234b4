package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/grib-fetcher/internal/engine"
	"github.com/withObsrvr/grib-fetcher/internal/scheduler"
	"github.com/withObsrvr/grib-fetcher/internal/server"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	scheduleRunNow bool
	scheduleAddr   string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Fetch products on their cron schedules and serve status",
	Long: `Run continuously, fetching each product in the config's schedule map
when its cron expression fires (UTC). Health, status and Prometheus metrics
are served over HTTP.`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.Flags().BoolVar(&scheduleRunNow, "run-now", false, "fetch every scheduled product once at startup")
	scheduleCmd.Flags().StringVar(&scheduleAddr, "addr", "", "status server address (overrides server.address)")
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if scheduleAddr != "" {
		cfg.Server.Address = scheduleAddr
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for name := range cfg.Schedule {
		if _, err := a.registry.Get(name); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	job := func(ctx context.Context, name string) error {
		p, err := a.registry.Get(name)
		if err != nil {
			return err
		}
		start := p.Schedule().Current(name, time.Now().UTC())
		report, err := a.engine.RunCycle(ctx, p, start, engine.Options{})
		if err != nil {
			return err
		}
		if !report.Tally.OK() {
			return fmt.Errorf("%s: %d unit(s) failed", report.Run, report.Tally.Failed)
		}
		return nil
	}

	sched, err := scheduler.New(cfg.Schedule, job)
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Config{Address: cfg.Server.Address, AccessLog: os.Stdout}, a.engine.Status(), a.engine)
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("[schedule] status server failed: %v", err)
		}
	}()

	sched.Start(ctx)

	if scheduleRunNow {
		for _, name := range sched.Products() {
			go func(name string) {
				if err := sched.Trigger(ctx, name); err != nil {
					log.Printf("[schedule] initial fetch of %s: %v", name, err)
				}
			}(name)
		}
	}

	<-ctx.Done()
	log.Println("[schedule] shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
