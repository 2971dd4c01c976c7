package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/job"
	"github.com/JakeFAU/sensor-archive-downloader/internal/report"
)

type downloadOptions struct {
	stations  []string
	sensors   []string
	start     string
	end       string
	noMerge   bool
	noYearly  bool
	overwrite bool
	dryRun    bool
	output    string
}

func newDownloadCmd() *cobra.Command {
	opts := &downloadOptions{}
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download daily files for one or more stations and merge them",
		Long: `Fetches every (sensor, day) file in the date range that is not already on
disk, writes each one atomically, then rebuilds the monthly and yearly merged
files. Days with no upstream data are skipped, not failed.`,
		Example: `  sensorarchive download --station 1 --start 2024-01-01 --end 2024-01-31
  sensorarchive download --station 2 --sensor 222 --output yaml
  sensorarchive download --station 1 --start 2024-03-01 --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDownload(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.stations, "station", nil, "station id (repeatable)")
	flags.StringSliceVar(&opts.sensors, "sensor", nil, "restrict to these sensor ids (single station only)")
	flags.StringVar(&opts.start, "start", "", "first day, YYYY-MM-DD (default job.default_start)")
	flags.StringVar(&opts.end, "end", "", "last day, YYYY-MM-DD (default today, UTC)")
	flags.BoolVar(&opts.noMerge, "no-merge", false, "skip merged file production")
	flags.BoolVar(&opts.noYearly, "no-yearly", false, "skip the yearly merged files")
	flags.BoolVar(&opts.overwrite, "overwrite", false, "refetch days that already exist on disk")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "list the archive URLs that would be fetched, download nothing")
	flags.StringVarP(&opts.output, "output", "o", "text", "report format: text, json or yaml")
	_ = cmd.MarkFlagRequired("station")
	return cmd
}

func runDownload(cmd *cobra.Command, opts *downloadOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req, err := opts.request(appInstance.Config().Job.DefaultStart, appInstance.Clock().Now())
	if err != nil {
		return err
	}

	rep, err := appInstance.Runner().Run(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("run download: %w", err)
	}
	if err := writeReport(cmd.OutOrStdout(), opts.output, rep); err != nil {
		return err
	}
	if !rep.Succeeded() {
		return fmt.Errorf("job %s finished with status %s", rep.JobID, rep.Status())
	}
	return nil
}

func (o *downloadOptions) request(defaultStart string, now time.Time) (job.Request, error) {
	if len(o.sensors) > 0 && len(o.stations) > 1 {
		return job.Request{}, fmt.Errorf("--sensor requires exactly one --station")
	}
	switch o.output {
	case "text", "json", "yaml":
	default:
		return job.Request{}, fmt.Errorf("unknown output format %q", o.output)
	}

	start := o.start
	if start == "" {
		start = defaultStart
	}
	startDate, err := archive.ParseDate(start)
	if err != nil {
		return job.Request{}, fmt.Errorf("--start: %w", err)
	}
	endDate := archive.TruncateDay(now.UTC())
	if o.end != "" {
		if endDate, err = archive.ParseDate(o.end); err != nil {
			return job.Request{}, fmt.Errorf("--end: %w", err)
		}
	}

	targets := make([]job.Target, 0, len(o.stations))
	for _, id := range o.stations {
		targets = append(targets, job.Target{StationID: strings.TrimSpace(id), SensorIDs: o.sensors})
	}
	return job.Request{
		Targets:     targets,
		Start:       startDate,
		End:         endDate,
		Merge:       !o.noMerge,
		MergeByYear: !o.noMerge && !o.noYearly,
		Overwrite:   o.overwrite,
		ListOnly:    o.dryRun,
	}, nil
}

func writeReport(w io.Writer, format string, rep report.Report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	default:
		writeText(w, rep)
	}
	return nil
}

func writeText(w io.Writer, rep report.Report) {
	fmt.Fprintln(w, rep.Summary())
	for _, p := range rep.Planned {
		state := "missing"
		if p.Exists {
			state = "on disk"
		}
		fmt.Fprintf(w, "  planned  %s %s %s (%s)\n", p.Unit.SensorID, p.Unit.DateString(), p.URL, state)
	}
	for _, f := range rep.Failures {
		fmt.Fprintf(w, "  failed   %s %s: %s after %d attempt(s) %s\n",
			f.Unit.SensorID, f.Unit.DateString(), f.Reason, f.Attempts, f.Error)
	}
	for _, m := range rep.MergedFiles {
		fmt.Fprintf(w, "  merged   %s (%d rows)\n", m.Path, m.Rows)
	}
	for _, m := range rep.MergeErrors {
		fmt.Fprintf(w, "  merge    %s %s: %s\n", m.SensorID, m.Scope, m.Error)
	}
	for _, u := range rep.Unresolved {
		id := u.StationID
		if u.SensorID != "" {
			id += "/" + u.SensorID
		}
		fmt.Fprintf(w, "  unresolved %s: %s\n", id, u.Reason)
	}
	for _, m := range rep.Mirrored {
		if m.Error != "" {
			fmt.Fprintf(w, "  mirror   %s: %s\n", m.Path, m.Error)
		}
	}
}
