package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rowmap/internal/model"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Model  string
	Reload bool
}

// ExecOutput reports a raw write.
type ExecOutput struct {
	model.ExecResult
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <sql> [args...]",
		Short: "Run a write statement",
		Long: `Run a write statement with exclusive access and report the tables it
invalidated. Statements whose tables cannot be recognized invalidate every
registered table.

Examples:
  rowmap exec --db ./app.db "UPDATE people SET age = age + 1 WHERE id = ?" 7
  rowmap exec --db ./app.db --model person "DELETE FROM $T WHERE $PK = ?" 7`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				return runExec(ctx, opts, s, cmd, args[0], args[1:])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Model, "model", "", "model whose table and primary key $T and $PK refer to")
	cmd.Flags().BoolVar(&opts.Reload, "reload", false, "reload live instances of the affected models afterwards")

	return cmd
}

func runExec(ctx context.Context, opts *ExecOptions, s *session, cmd *cobra.Command, query string, rawArgs []string) error {
	m, err := s.lookup(opts.Model)
	if err != nil {
		return err
	}
	res, err := s.db.ExecuteUpdate(ctx, m, opts.Reload, query, bindArgs(rawArgs)...)
	if err != nil {
		return WrapExitError(ExitFailure, "statement failed", err).withErrCode(ErrCodeExecFailed)
	}
	opts.Logger.Debug("statement executed", "tables", res.Tables, "rows", res.RowsAffected)
	return opts.formatter(cmd).Success(ExecOutput{res})
}

// WriteText renders the affected row count and invalidated tables.
func (o ExecOutput) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d rows affected\ninvalidated: %s\n", o.RowsAffected, strings.Join(o.Tables, ", "))
	return err
}
