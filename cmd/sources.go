package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/trip"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List raw trip files and the analysis-year months that are missing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sources, err := schema.Discover(cfg.Paths.RawDir)
		if err != nil {
			return err
		}
		missing := schema.MissingMonths(sources, cfg.Audit.AnalysisYear, cfg.Audit.ExpectedMonths)
		formatSources(os.Stdout, sources, missing, cfg.Audit.AnalysisYear)
		return nil
	},
}

// formatSources writes the discovered files and the missing-month summary.
func formatSources(out io.Writer, sources []schema.Source, missing map[trip.Program][]int, year int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROGRAM\tPERIOD\tPATH")
	for _, s := range sources {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Program, s.Period(), s.Path)
	}
	_ = w.Flush()

	if len(sources) == 0 {
		_, _ = fmt.Fprintln(out, "No raw trip files found.")
	}
	for _, p := range trip.Programs {
		months := missing[p]
		if len(months) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(out, "missing %s %d months: %v\n", p, year, months)
	}
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
