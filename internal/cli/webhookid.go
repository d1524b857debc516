package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"syncbridge/internal/inbound"
)

// NewWebhookIDCommand prints the deduplication id of a webhook payload.
func NewWebhookIDCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook-id <payload.json|->",
		Short: "Compute the deduplication id of a webhook payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return f.Failure(ExitCommandError, "read payload", err)
			}
			var payload inbound.Payload
			if err := json.Unmarshal(raw, &payload); err != nil {
				return f.Failure(ExitCommandError, "parse payload", err)
			}
			id, err := inbound.WebhookID(&payload)
			if err != nil {
				return f.Failure(ExitFailure, "canonicalize payload", err)
			}
			return f.Success(map[string]string{"webhook_id": id}, id)
		},
	}
}
