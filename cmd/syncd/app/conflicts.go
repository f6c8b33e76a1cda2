package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/api"
)

const controlRequestTimeout = 30 * time.Second

// Pending conflicts live in the running daemon, so these commands go through
// its control API rather than the store.
func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve conflicts held by the running daemon",
	}
	cmd.PersistentFlags().String("api-address", "", "Control API address (defaults to api.address)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pending conflicts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out api.ConflictListResponse
				if err := callControl(cmd, http.MethodGet, "/conflicts", nil, &out); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
		&cobra.Command{
			Use:   "resolve <conflict-id> <resolution>",
			Short: "Apply a resolution (keep_local, keep_server or a candidate id)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out api.ResolveResponse
				req := api.ResolveRequest{Resolution: args[1]}
				if err := callControl(cmd, http.MethodPost, "/conflicts/"+url.PathEscape(args[0])+"/resolve", req, &out); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			},
		},
	)
	return cmd
}

func callControl(cmd *cobra.Command, method, path string, in, out any) error {
	address, err := cmd.Flags().GetString("api-address")
	if err != nil {
		return err
	}
	if address == "" {
		if !loadedConfig.API.Enabled {
			return fmt.Errorf("control API is disabled (api.enabled=false)")
		}
		address = loadedConfig.API.Address
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, "http://"+address+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: controlRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e map[string]string
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e["error"] != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e["error"])
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
