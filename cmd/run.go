package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/config"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/pipeline"
)

var (
	runStages []string
	runYear   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the audit pipeline, or a subset of its stages",
	Long: "Runs the audit stages in order: " + strings.Join(pipeline.NewRegistry().Names(), ", ") + ".\n" +
		"A partial run against an empty engine fails fast naming the stage to run first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		applyYear(cfg, runYear)
		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		wh, err := openWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		res, runErr := pipeline.New(cfg, wh, st).Run(ctx, pipeline.RunOpts{Stages: runStages})
		if res != nil {
			formatStages(os.Stdout, res)
		}
		if runErr != nil {
			return runErr
		}
		zap.L().Info("audit complete", zap.String("run_id", res.RunID))
		return nil
	},
}

// applyYear moves the analysis window to year, comparing against the year
// before it.
func applyYear(c *config.Config, year int) {
	if year <= 0 {
		return
	}
	c.Audit.AnalysisYear = year
	c.Audit.ComparisonYear = year - 1
}

// formatStages writes the per-stage outcome of a run to w.
func formatStages(out io.Writer, res *pipeline.RunResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run %s: %s\n", res.RunID, res.Status)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tDURATION\tERROR")
	for _, s := range res.Stages {
		errMsg := s.Error
		if len(errMsg) > 80 {
			errMsg = errMsg[:77] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Name, s.Status, (time.Duration(s.DurationMS) * time.Millisecond).String(), errMsg)
	}
	if res.Status == model.RunStatusComplete && res.Report != nil {
		for _, p := range res.Report.Outputs {
			_, _ = fmt.Fprintf(w, "wrote\t%s\n", p)
		}
	}
	_ = w.Flush()
}

func init() {
	runCmd.Flags().StringSliceVar(&runStages, "stages", nil, "comma-separated stages to run (default all)")
	runCmd.Flags().IntVar(&runYear, "year", 0, "analysis year (default from config)")
	rootCmd.AddCommand(runCmd)
}
