// Package cli implements syncctl, the operator tool for a running engine
// and its mapping files.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"syncbridge/internal/ontology"
	"syncbridge/internal/platform/config"
	"syncbridge/internal/platform/objectstore"
)

// Archive reads archived payloads.
type Archive interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// RootOptions holds global flags and injectable dependencies.
type RootOptions struct {
	Format      string
	Verbose     bool
	Server      string
	MappingsDir string

	HTTPClient  *http.Client
	OpenArchive func(cfg config.ObjectStoreConfig) (Archive, error)
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds syncctl with production dependencies.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		OpenArchive: openMinioArchive,
	})
}

// NewRootCommandWith builds syncctl around opts.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate a syncbridge engine",
		Long:  "Inspect mapping files, compute webhook ids and projections, and replay archived webhooks.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("SYNCCTL_SERVER", "http://localhost:8080"), "engine base URL")
	cmd.PersistentFlags().StringVar(&opts.MappingsDir, "mappings", envOr("SYNC_MAPPINGS_DIR", "mappings"), "mapping files directory")

	cmd.AddCommand(NewMappingsCommand(opts))
	cmd.AddCommand(NewProjectCommand(opts))
	cmd.AddCommand(NewWebhookIDCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func loadRegistry(opts *RootOptions) (*ontology.Registry, error) {
	return ontology.LoadDir(opts.MappingsDir)
}

func openMinioArchive(cfg config.ObjectStoreConfig) (Archive, error) {
	store, err := objectstore.New(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	return store, nil
}

// readInput reads the named file, or stdin for "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
