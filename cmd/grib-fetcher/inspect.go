package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/grib-fetcher/internal/grib"
	"github.com/withObsrvr/grib-fetcher/internal/index"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "List the GRIB2 messages in a local file",
	Long: `Walk FILE's GRIB2 framing and print each message's offset, length and
discipline. When FILE.idx exists its descriptions are shown alongside and
checked against the framing.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	path := args[0]

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	msgs, err := grib.Scan(f)
	if err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}

	var entries []index.Entry
	if idx, err := os.Open(path + ".idx"); err == nil {
		entries, err = index.ParseReader(idx)
		idx.Close()
		if err != nil {
			return fmt.Errorf("parse %s.idx: %w", path, err)
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tOFFSET\tLENGTH\tDISCIPLINE\tDESCRIPTION")
	var mismatches int
	for i, m := range msgs {
		desc := ""
		if i < len(entries) {
			desc = entries[i].Description
			if entries[i].Offset != m.Offset {
				desc += fmt.Sprintf(" (index offset %d)", entries[i].Offset)
				mismatches++
			}
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", i+1, m.Offset, m.Length, m.Discipline, desc)
	}
	_ = w.Flush()

	if entries != nil && (len(entries) != len(msgs) || mismatches > 0) {
		return fmt.Errorf("index disagrees with file: %d entries, %d messages, %d offset mismatches",
			len(entries), len(msgs), mismatches)
	}
	return nil
}
