package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/rowmap/internal/metrics"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print model-layer metrics",
		Long: `Open the database, register models and print the model-layer counters.

Text output is in Prometheus exposition format; JSON output is the raw
counter snapshot.

Examples:
  rowmap stats --db ./app.db
  rowmap stats --db ./app.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				if rootOpts.Format == "json" {
					return rootOpts.formatter(cmd).Success(s.db.Stats())
				}
				metrics.New(s.db).WritePrometheus(cmd.OutOrStdout())
				return nil
			})
		},
	}
}
