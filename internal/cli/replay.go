package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	jwttoken "syncbridge/internal/jwt_token"
	"syncbridge/internal/platform/config"
)

// ReplayResult reports the engine's answer for one archived payload.
type ReplayResult struct {
	Key       string `json:"key"`
	HTTP      int    `json:"http"`
	Status    string `json:"status,omitempty"`
	WebhookID string `json:"webhook_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewReplayCommand re-posts archived failed payloads to the engine.
func NewReplayCommand(opts *RootOptions) *cobra.Command {
	var (
		prefix   string
		dryRun   bool
		secret   string
		issuer   string
		platform string
		store    config.ObjectStoreConfig
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-post archived failed webhooks",
		Long: `Replay lists archived payloads under --prefix and posts each one to the
engine's webhook endpoint. Payloads whose failure was retriable are
reprocessed; permanent failures answer "duplicate" until their processing
record has been purged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			archive, err := opts.OpenArchive(store)
			if err != nil {
				return f.Failure(ExitCommandError, "open archive", err)
			}
			keys, err := archive.List(cmd.Context(), prefix)
			if err != nil {
				return f.Failure(ExitCommandError, "list archive", err)
			}
			f.VerboseLog("%d archived payload(s) under %s", len(keys), prefix)

			var token string
			if secret != "" && !dryRun {
				token, err = jwttoken.NewJWTService(secret, issuer).GenerateWebhookToken(platform, 5*time.Minute)
				if err != nil {
					return f.Failure(ExitCommandError, "mint webhook token", err)
				}
			}

			results := make([]ReplayResult, 0, len(keys))
			failed := 0
			for _, key := range keys {
				if dryRun {
					results = append(results, ReplayResult{Key: key})
					continue
				}
				res := replayOne(cmd, opts, archive, key, token)
				if res.Error != "" || res.HTTP != http.StatusOK {
					failed++
				}
				results = append(results, res)
			}

			if opts.Format == "json" {
				if err := f.Success(results, ""); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					fmt.Fprintln(cmd.OutOrStdout(), formatReplay(r, dryRun))
				}
			}
			if failed > 0 {
				return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d replays failed", failed, len(keys)), nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "failed/", "archive key prefix")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list payloads without posting")
	cmd.Flags().StringVar(&secret, "token-secret", os.Getenv("WEBHOOK_JWT_SECRET"), "HS256 secret for webhook bearer tokens")
	cmd.Flags().StringVar(&issuer, "token-issuer", os.Getenv("WEBHOOK_JWT_ISSUER"), "issuer claim for webhook bearer tokens")
	cmd.Flags().StringVar(&platform, "token-platform", "syncctl", "platform claim for webhook bearer tokens")
	cmd.Flags().StringVar(&store.Endpoint, "archive-endpoint", os.Getenv("OBJECT_STORE_ENDPOINT"), "object store endpoint")
	cmd.Flags().StringVar(&store.AccessKey, "archive-access-key", os.Getenv("OBJECT_STORE_ACCESS_KEY"), "object store access key")
	cmd.Flags().StringVar(&store.SecretKey, "archive-secret-key", os.Getenv("OBJECT_STORE_SECRET_KEY"), "object store secret key")
	cmd.Flags().StringVar(&store.Bucket, "archive-bucket", envOr("OBJECT_STORE_BUCKET", "syncbridge-failed-webhooks"), "object store bucket")
	cmd.Flags().BoolVar(&store.UseSSL, "archive-ssl", false, "use TLS for the object store")
	return cmd
}

func replayOne(cmd *cobra.Command, opts *RootOptions, archive Archive, key, token string) ReplayResult {
	res := ReplayResult{Key: key}
	body, err := archive.Get(cmd.Context(), key)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	url := strings.TrimRight(opts.Server, "/") + "/api/webhook"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := opts.client().Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.HTTP = resp.StatusCode

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var answer struct {
		Status           string `json:"status"`
		WebhookID        string `json:"webhook_id"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(raw, &answer) == nil {
		res.Status = answer.Status
		res.WebhookID = answer.WebhookID
		if answer.Error != "" {
			res.Error = strings.TrimSpace(answer.Error + " " + answer.ErrorDescription)
		}
	}
	return res
}

func formatReplay(r ReplayResult, dryRun bool) string {
	switch {
	case dryRun:
		return "would replay " + r.Key
	case r.Error != "":
		return fmt.Sprintf("%s: %d %s", r.Key, r.HTTP, r.Error)
	default:
		return fmt.Sprintf("%s: %s %s", r.Key, r.Status, r.WebhookID)
	}
}
