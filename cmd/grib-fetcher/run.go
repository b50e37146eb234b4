package main

import (
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/engine"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	runProducts []string
	runDate     string
	runCycle    int
	runHours    []int
	runForce    bool
)

//nolint:gochecknoglobals // Cobra commands are typically global
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch the latest available cycle of one or more products",
	Long: `Fetch every forecast hour of the current cycle. If some hour is not yet
published the fetcher steps back one cycle at a time, up to max_rollbacks.
A run chosen with --date/--cycle is fetched as is, without rolling back.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSliceVar(&runProducts, "product", nil, "products to fetch (default: all configured)")
	runCmd.Flags().StringVar(&runDate, "date", "", "run date YYYYMMDD (pins the run)")
	runCmd.Flags().IntVar(&runCycle, "cycle", -1, "cycle hour 0-23 (pins the run)")
	runCmd.Flags().IntSliceVar(&runHours, "hour", nil, "only these forecast hours")
	runCmd.Flags().BoolVar(&runForce, "force", false, "refetch units whose output already exists")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	names := runProducts
	if len(names) == 0 {
		names = a.registry.Names()
	}

	now := time.Now().UTC()
	pinned := runDate != "" || runCycle >= 0
	if runDate != "" && runCycle < 0 {
		return fmt.Errorf("--cycle is required with --date")
	}
	date := runDate
	if date == "" {
		date = now.Format("20060102")
	}

	reqs := make([]engine.Request, 0, len(names))
	for _, name := range names {
		p, err := a.registry.Get(name)
		if err != nil {
			return err
		}

		start := p.Schedule().Current(name, now)
		if pinned {
			if !p.Schedule().Contains(runCycle) {
				return fmt.Errorf("product %s has no %02dz cycle (cycles: %v)", name, runCycle, p.Schedule().Cycles())
			}
			if start, err = cycle.ParseRun(name, date, runCycle); err != nil {
				return err
			}
		}

		reqs = append(reqs, engine.Request{
			Product: p,
			Start:   start,
			Options: engine.Options{Pinned: pinned, Hours: runHours, Force: runForce},
		})
	}

	log.Printf("[run] fetching %d product(s)", len(reqs))
	reports, runErr := a.engine.Run(cmd.Context(), reqs)

	printReports(cmd.OutOrStdout(), reports)

	if runErr != nil {
		return runErr
	}
	var failed int
	for _, r := range reports {
		if r != nil {
			failed += r.Tally.Failed
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d unit(s) failed", failed)
	}
	return nil
}

func printReports(out io.Writer, reports []*engine.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PRODUCT\tRUN\tROLLBACKS\tOK\tSKIPPED\tNO MATCH\tFAILED\tDURATION")
	for _, r := range reports {
		if r == nil {
			continue
		}
		run := "-"
		if !r.Run.Date.IsZero() {
			run = r.Run.YMD() + "/" + r.Run.CC() + "z"
		}
		dur := "-"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Product, run, r.Rollbacks, r.Tally.Succeeded, r.Tally.Skipped, r.Tally.NoMatch, r.Tally.Failed, dur)
	}
	_ = w.Flush()

	for _, r := range reports {
		if r == nil {
			continue
		}
		for _, f := range r.Tally.Failures {
			_, _ = fmt.Fprintf(out, "FAILED %s: %s\n", f.Unit.Key(), f.Reason)
		}
	}
}
