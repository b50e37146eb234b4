package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/grib-fetcher/internal/engine"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List configured products and their current cycle",
	RunE:  listProducts,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "grib-fetcher %s (%s)\n", engine.Version, engine.GitSHA)
	},
}

func init() {
	rootCmd.AddCommand(productsCmd)
	rootCmd.AddCommand(versionCmd)
}

func listProducts(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PRODUCT\tCYCLES\tLAG\tCURRENT\tHOURS\tMEMBERS\tSCHEDULE")
	for _, name := range registry.Names() {
		p, err := registry.Get(name)
		if err != nil {
			return err
		}
		sched := p.Schedule()
		cur := sched.Current(name, now)

		hours := "-"
		if hs, err := p.Hours(cur.Cycle); err == nil && len(hs) > 0 {
			hours = fmt.Sprintf("%d (f%d-f%d)", len(hs), hs[0], hs[len(hs)-1])
		}
		members := "-"
		if ms := p.Members(); len(ms) > 0 {
			members = strings.Join(ms, ",")
		}
		cron := cfg.Schedule[name]
		if cron == "" {
			cron = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s/%sz\t%s\t%s\t%s\n",
			name, len(sched.Cycles()), sched.Lag(), cur.YMD(), cur.CC(), hours, members, cron)
	}
	return w.Flush()
}
