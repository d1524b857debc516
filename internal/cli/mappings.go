package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"syncbridge/internal/ontology"
)

// MappingSummary is one row of `mappings list`.
type MappingSummary struct {
	TableName    string   `json:"tableName"`
	SchemaID     string   `json:"schemaId"`
	OntologyType string   `json:"ontologyType"`
	OwnerField   string   `json:"ownerField,omitempty"`
	Fields       int      `json:"fields"`
	Refs         []string `json:"refs,omitempty"`
}

// NewMappingsCommand groups mapping file commands.
func NewMappingsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Inspect ontology mapping files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List mapped tables and junctions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingsList(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [dir]",
		Short: "Load mapping files and report the first error",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.MappingsDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runMappingsValidate(opts, cmd, dir)
		},
	})
	return cmd
}

func runMappingsList(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	registry, err := loadRegistry(opts)
	if err != nil {
		return f.Failure(ExitCommandError, "load mappings", err)
	}

	var summaries []MappingSummary
	for _, m := range registry.Mappings() {
		s := MappingSummary{
			TableName:    m.TableName,
			SchemaID:     m.SchemaID,
			OntologyType: m.OntologyType,
			OwnerField:   m.OwnerField,
			Fields:       len(m.Fields),
		}
		for _, field := range m.Fields {
			if field.IsRef() {
				s.Refs = append(s.Refs, field.Local+"->"+field.Ref)
			}
		}
		summaries = append(summaries, s)
	}
	junctions := registry.Junctions()

	if opts.Format == "json" {
		return f.Success(map[string]any{"mappings": summaries, "junctions": junctions}, "")
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tONTOLOGY\tSCHEMA\tFIELDS\tREFS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.TableName, s.OntologyType, s.SchemaID, s.Fields, strings.Join(s.Refs, ","))
	}
	for _, j := range junctions {
		fmt.Fprintf(tw, "%s\tjunction\t%s.%s\t-\t-\n", j.Table, j.ParentTable, j.ParentIDField)
	}
	return tw.Flush()
}

func runMappingsValidate(opts *RootOptions, cmd *cobra.Command, dir string) error {
	f := opts.formatter(cmd)
	registry, err := ontology.LoadDir(dir)
	if err != nil {
		if opts.Format != "json" {
			fmt.Fprintf(cmd.OutOrStdout(), "invalid: %v\n", err)
		}
		return f.Failure(ExitFailure, "invalid mappings", err)
	}
	n, j := len(registry.Mappings()), len(registry.Junctions())
	return f.Success(map[string]int{"mappings": n, "junctions": j},
		fmt.Sprintf("ok: %d mappings, %d junctions", n, j))
}
