package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/rowmap/internal/store"
)

// InspectResult describes the registered models.
type InspectResult struct {
	Database string      `json:"database"`
	Models   []ModelInfo `json:"models"`
}

// ModelInfo describes one model and its columns.
type ModelInfo struct {
	Name       string            `json:"name"`
	Table      string            `json:"table"`
	PrimaryKey string            `json:"primary_key"`
	Extends    string            `json:"extends,omitempty"`
	Fields     []store.FieldInfo `json:"fields"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show models and their columns",
		Long: `Register models and print each model's table, primary key and columns.

Models come from --models when given; otherwise every table with a
single-column primary key becomes a model named after it.

Examples:
  rowmap inspect --db ./app.db
  rowmap inspect --db ./app.db --models models.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session) error {
				return runInspect(s, cmd)
			})
		},
	}
}

func runInspect(s *session, cmd *cobra.Command) error {
	result := InspectResult{Database: s.db.Path(), Models: make([]ModelInfo, 0, len(s.models))}
	for _, m := range s.models {
		result.Models = append(result.Models, ModelInfo{
			Name:       m.Name,
			Table:      m.Table,
			PrimaryKey: m.PrimaryKey,
			Extends:    m.Extends,
			Fields:     m.Fields(),
		})
	}
	return s.opts.formatter(cmd).Success(result)
}

// WriteText renders one block per model.
func (r InspectResult) WriteText(w io.Writer) error {
	if len(r.Models) == 0 {
		_, err := fmt.Fprintln(w, "No models registered.")
		return err
	}
	for i, m := range r.Models {
		if i > 0 {
			fmt.Fprintln(w)
		}
		header := fmt.Sprintf("%s (table %s, primary key %s", m.Name, m.Table, m.PrimaryKey)
		if m.Extends != "" {
			header += ", extends " + m.Extends
		}
		fmt.Fprintln(w, header+")")

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, f := range m.Fields {
			line := fmt.Sprintf("  %s\t%s\t%s", f.Name, f.Type, f.NativeType)
			if flags := fieldFlags(f); flags != "" {
				line += "\t" + flags
			}
			fmt.Fprintln(tw, line)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func fieldFlags(f store.FieldInfo) string {
	var flags []string
	if f.PrimaryKey {
		flags = append(flags, "pk")
	}
	if !f.NullAllowed {
		flags = append(flags, "not null")
	}
	if f.Default != nil {
		flags = append(flags, "default "+formatValue(f.Default))
	} else if f.Expression != "" {
		flags = append(flags, "default "+f.Expression)
	}
	return strings.Join(flags, ", ")
}
