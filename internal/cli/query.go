package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rowmap/internal/store"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Model  string
	Cached bool
}

// QueryResult is a printable row set.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run a read-only query",
		Long: `Run a read-only query and print the rows.

Extra arguments bind to ? placeholders in order. With --model, $T and $PK
refer to that model's table and primary key. Statements that could write
are rejected; use exec for those.

Examples:
  rowmap query --db ./app.db "SELECT * FROM people WHERE age > ?" 30
  rowmap query --db ./app.db --model person "SELECT COUNT(*) FROM $T"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				return runQuery(ctx, opts, s, cmd, args[0], args[1:])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Model, "model", "", "model whose table and primary key $T and $PK refer to")
	cmd.Flags().BoolVar(&opts.Cached, "cached", false, "read through the result cache")

	return cmd
}

func runQuery(ctx context.Context, opts *QueryOptions, s *session, cmd *cobra.Command, query string, rawArgs []string) error {
	m, err := s.lookup(opts.Model)
	if err != nil {
		return err
	}

	var rs *store.RowSet
	if opts.Cached && m == nil {
		rs, err = s.db.CachedRows(ctx, query, bindArgs(rawArgs)...)
	} else {
		rs, err = s.db.Rows(ctx, m, query, bindArgs(rawArgs)...)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err).withErrCode(ErrCodeQueryFailed)
	}
	opts.formatter(cmd).VerboseLog("%d rows", rs.Len())
	return opts.formatter(cmd).Success(newQueryResult(rs))
}

func newQueryResult(rs *store.RowSet) QueryResult {
	out := QueryResult{Columns: rs.Columns, Rows: make([]map[string]any, 0, rs.Len())}
	for _, row := range rs.Rows {
		r := make(map[string]any, len(row))
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			r[k] = v
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// WriteText renders an aligned table followed by the row count.
func (r QueryResult) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		cells := make([]string, len(r.Columns))
		for i, c := range r.Columns {
			cells[i] = formatValue(row[c])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", len(r.Rows))
	return err
}

// bindArgs passes CLI arguments as integers or floats when they parse as
// such, and as text otherwise.
func bindArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, a := range raw {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			args[i] = n
		} else if f, err := strconv.ParseFloat(a, 64); err == nil {
			args[i] = f
		} else {
			args[i] = a
		}
	}
	return args
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(val)
	case []byte:
		return "x'" + hex.EncodeToString(val) + "'"
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
