package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"syncbridge/internal/inbound/models"
)

// NewStatsCommand prints webhook processing counts from a running engine.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show webhook processing counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			url := strings.TrimRight(opts.Server, "/") + "/api/webhook/stats"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return f.Failure(ExitCommandError, "build request", err)
			}
			resp, err := opts.client().Do(req)
			if err != nil {
				return f.Failure(ExitCommandError, "reach engine", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return f.Failure(ExitFailure, fmt.Sprintf("engine returned %d", resp.StatusCode), nil)
			}
			var st models.Stats
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return f.Failure(ExitFailure, "decode stats", err)
			}
			return f.Success(st, fmt.Sprintf("total=%d pending=%d processing=%d completed=%d failed=%d",
				st.Total, st.Pending, st.Processing, st.Completed, st.Failed))
		},
	}
}
