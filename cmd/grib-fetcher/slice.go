package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/grib-fetcher/internal/assemble"
	"github.com/withObsrvr/grib-fetcher/internal/fetch"
	"github.com/withObsrvr/grib-fetcher/internal/index"
	"github.com/withObsrvr/grib-fetcher/internal/planner"
	"github.com/withObsrvr/grib-fetcher/internal/product"
	"github.com/withObsrvr/grib-fetcher/internal/selector"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	sliceMatch    []string
	sliceOut      string
	sliceIndexExt string
	sliceForce    bool
	sliceQuiet    bool
)

//nolint:gochecknoglobals // Cobra commands are typically global
var sliceCmd = &cobra.Command{
	Use:   "slice URL",
	Short: "Extract matching messages from a single remote GRIB2 file",
	Long: `Read URL's index, keep the messages whose description matches any
--match regular expression, and write them to a compact local file with a
rebased .idx sidecar.`,
	Example: `  grib-fetcher slice https://noaa-hrrr-bdp-pds.s3.amazonaws.com/hrrr.20251201/conus/hrrr.t12z.wrfsfcf06.grib2 \
    --match ':TMP:2 m above ground:' --match ':APCP:surface:'`,
	Args: cobra.ExactArgs(1),
	RunE: runSlice,
}

func init() {
	rootCmd.AddCommand(sliceCmd)
	sliceCmd.Flags().StringArrayVar(&sliceMatch, "match", nil, "regular expression over the index description (repeatable)")
	sliceCmd.Flags().StringVarP(&sliceOut, "out", "o", "", "output path (default: <name>.subset.grib2 in the current directory)")
	sliceCmd.Flags().StringVar(&sliceIndexExt, "index-ext", ".idx", "index sidecar extension")
	sliceCmd.Flags().BoolVar(&sliceForce, "force", false, "overwrite an existing output")
	sliceCmd.Flags().BoolVar(&sliceQuiet, "quiet", false, "hide the progress bar")
	_ = sliceCmd.MarkFlagRequired("match")
}

// progressFetcher mirrors every fetched byte into a progress bar.
type progressFetcher struct {
	client *fetch.Client
	bar    io.Writer
}

func (p progressFetcher) GetRange(ctx context.Context, url string, start, end int64, w io.Writer) (int64, error) {
	return p.client.GetRange(ctx, url, start, end, io.MultiWriter(w, p.bar))
}

func runSlice(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()
	gribURL := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	patterns, err := selector.NewPatterns(sliceMatch...)
	if err != nil {
		return err
	}

	out := sliceOut
	if out == "" {
		if out, err = defaultSliceName(gribURL); err != nil {
			return err
		}
	}

	client := fetch.New(cfg.FetchConfig(), nil)

	indexURL := product.IndexURL(gribURL, sliceIndexExt)
	data, err := client.Get(ctx, indexURL)
	if err != nil {
		return fmt.Errorf("fetch index: %w", err)
	}
	entries, err := index.ParseBytes(data)
	if err != nil {
		return fmt.Errorf("parse index: %w", err)
	}

	selected := planner.Select(entries, func(e index.Entry) bool { return patterns.Match(0, e) })
	if len(selected) == 0 {
		return fmt.Errorf("no messages match %v in %d index entries", sliceMatch, len(entries))
	}

	head, err := client.Head(ctx, gribURL)
	if err != nil {
		return fmt.Errorf("head grib: %w", err)
	}
	ranges, err := planner.Plan(selected, entries, head.ContentLength)
	if err != nil {
		return err
	}

	var bar io.Writer = io.Discard
	if !sliceQuiet {
		pb := progressbar.DefaultBytes(planner.Total(ranges), fmt.Sprintf("%d messages", len(ranges)))
		defer pb.Close()
		bar = pb
	}

	asm := assemble.New(progressFetcher{client: client, bar: bar}, assemble.Options{
		VerifyGRIB: cfg.VerifyGRIB,
		Force:      sliceForce,
	})
	art, err := asm.Assemble(ctx, gribURL, ranges, out)
	if errors.Is(err, assemble.ErrExists) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists; use --force to replace it\n", out)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := assemble.WriteSubsetIndex(art); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nwrote %s: %d messages, %d of %d bytes (%.1f%%), %s\n",
		art.Path, len(art.Ranges), art.Size, head.ContentLength,
		100*float64(art.Size)/float64(head.ContentLength), art.Checksum)
	return nil
}

// defaultSliceName derives "<name>.subset.grib2" from the URL's last path element.
func defaultSliceName(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "", fmt.Errorf("cannot derive a file name from %q; use --out", raw)
	}
	for _, ext := range []string{".grib2", ".grb2", ".grib"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext) + ".subset" + ext, nil
		}
	}
	return base + ".subset.grib2", nil
}
