package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSummaryCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "summary STATION_ID",
		Short: "Show what a download of a station would cover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Runner().Summary(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("station summary: %w", err)
			}
			w := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			case "yaml":
				out, err := yaml.Marshal(summary)
				if err != nil {
					return fmt.Errorf("encode summary: %w", err)
				}
				_, err = w.Write(out)
				return err
			}
			fmt.Fprintf(w, "%s (%s, uid %s)\n", summary.StationName, summary.StationID, summary.StationUID)
			fmt.Fprintf(w, "output: %s\nconcurrency: %d\n", summary.OutputDir, summary.Concurrency)
			if summary.Latitude != nil && summary.Longitude != nil {
				fmt.Fprintf(w, "location: %.5f, %.5f\n", *summary.Latitude, *summary.Longitude)
			}
			fmt.Fprintf(w, "sensors: %d\n", summary.TotalSensors)
			for _, s := range summary.Sensors {
				status := s.ArchiveType
				if !s.Supported {
					status = "unsupported"
				}
				fmt.Fprintf(w, "  %s  %s  [%s]\n", s.ID, s.Type, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "format: text, json or yaml")
	return cmd
}
