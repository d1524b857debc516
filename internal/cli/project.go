package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"syncbridge/internal/envelope"
	"syncbridge/internal/inbound"
	"syncbridge/internal/projector"
)

// NewProjectCommand reshapes a webhook payload for a target platform.
func NewProjectCommand(opts *RootOptions) *cobra.Command {
	var (
		platform     string
		ontologyType string
		projections  string
	)
	cmd := &cobra.Command{
		Use:   "project <payload.json|->",
		Short: "Project a webhook payload onto a platform's field names",
		Long: `Project reads a webhook payload ({id, schemaId, data}) or a bare data
object and prints the attributes renamed for --platform. The ontology type is
taken from --ontology, or from the mapping registered for the payload's
schemaId.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(opts, cmd, args[0], platform, ontologyType, projections)
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "target platform")
	cmd.Flags().StringVar(&ontologyType, "ontology", "", "ontology type of the payload")
	cmd.Flags().StringVar(&projections, "projections", "", "YAML file with extra projection tables")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func runProject(opts *RootOptions, cmd *cobra.Command, input, platform, ontologyType, projections string) error {
	f := opts.formatter(cmd)
	raw, err := readInput(cmd, input)
	if err != nil {
		return f.Failure(ExitCommandError, "read payload", err)
	}
	var payload inbound.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return f.Failure(ExitCommandError, "parse payload", err)
	}
	if payload.Data == nil {
		if err := json.Unmarshal(raw, &payload.Data); err != nil {
			return f.Failure(ExitCommandError, "parse payload", err)
		}
	}

	if ontologyType == "" && payload.SchemaID != "" {
		ontologyType = lookupOntology(opts, payload.SchemaID)
		f.VerboseLog("schema %s resolved to ontology %q", payload.SchemaID, ontologyType)
	}

	meta, err := envelope.FromData(payload.ID, ontologyType, payload.ACL, payload.Data)
	if err != nil {
		return f.Failure(ExitFailure, "build meta-envelope", err)
	}

	p := projector.Default()
	if projections != "" {
		p, err = projector.Load(os.DirFS(filepath.Dir(projections)), filepath.Base(projections))
		if err != nil {
			return f.Failure(ExitCommandError, "load projections", err)
		}
	}
	return f.JSON(p.Project(meta, platform))
}

// lookupOntology returns the ontology type mapped to schemaID, or "" when
// the mappings cannot be loaded or do not know it.
func lookupOntology(opts *RootOptions, schemaID string) string {
	registry, err := loadRegistry(opts)
	if err != nil {
		return ""
	}
	if m, ok := registry.ResolveBySchema(schemaID); ok {
		return m.OntologyType
	}
	return ""
}
