package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	daemon "github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// withStore opens the store for the duration of fn.
func withStore(fn func(ctx context.Context, store *queue.Store) error) error {
	database, store, err := daemon.OpenStore(loadedConfig)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(context.Background(), store)
}

func parseKind(s string) (models.ItemKind, error) {
	switch strings.ToLower(strings.TrimSuffix(s, "s")) {
	case string(models.KindUpload):
		return models.KindUpload, nil
	case string(models.KindAction):
		return models.KindAction, nil
	}
	return "", fmt.Errorf("unknown kind %q (want upload or action)", s)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and storage usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(func(ctx context.Context, store *queue.Store) error {
				st, err := store.LoadSyncStatus(ctx)
				if err != nil {
					return err
				}
				usage, err := store.Usage(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					Status models.SyncStatus `json:"status"`
					Usage  queue.Usage       `json:"usage"`
				}{st, usage})
			})
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued uploads or actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kindFlag, _ := cmd.Flags().GetString("kind")
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")

			kind, err := parseKind(kindFlag)
			if err != nil {
				return err
			}
			f := queue.Filter{Limit: limit}
			for _, s := range statuses {
				st := models.ItemStatus(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}

			return withStore(func(ctx context.Context, store *queue.Store) error {
				if kind == models.KindUpload {
					items, err := store.ListUploads(ctx, f)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), items)
				}
				items, err := store.ListActions(ctx, f)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().String("kind", "action", "Queue to list (upload or action)")
	cmd.Flags().StringSlice("status", nil, "Only items in these statuses")
	cmd.Flags().Int("limit", 100, "Maximum items to return (0 for all)")
	return cmd
}

func newEnqueueActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue-action",
		Short: "Queue a deferred API mutation",
		Example: `  syncd enqueue-action --method PATCH --url https://api.example.com/notes/42 \
    --body '{"notes":"checked"}' --resource-type note --resource-id 42`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := queue.ActionRequest{}
			req.Method, _ = cmd.Flags().GetString("method")
			req.URL, _ = cmd.Flags().GetString("url")
			req.Headers, _ = cmd.Flags().GetStringToString("header")
			req.Priority, _ = cmd.Flags().GetInt("priority")
			req.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
			req.ResourceType, _ = cmd.Flags().GetString("resource-type")
			req.ResourceID, _ = cmd.Flags().GetString("resource-id")
			if body, _ := cmd.Flags().GetString("body"); body != "" {
				req.Body = json.RawMessage(body)
			}

			return withStore(func(ctx context.Context, store *queue.Store) error {
				id, err := store.EnqueueAction(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]string{"id": id})
			})
		},
	}
	cmd.Flags().String("method", "POST", "HTTP method (POST, PUT, PATCH, DELETE)")
	cmd.Flags().String("url", "", "Target URL")
	cmd.Flags().String("body", "", "JSON request body")
	cmd.Flags().StringToString("header", nil, "Request headers (key=value)")
	cmd.Flags().Int("priority", 0, "Priority, higher first")
	cmd.Flags().Int("max-retries", 0, "Retry budget (0 for the store default)")
	cmd.Flags().String("resource-type", "", "Resource type for conflict resolution")
	cmd.Flags().String("resource-id", "", "Resource id for conflict resolution and ordering")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue failed items with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			kindFlag, _ := cmd.Flags().GetString("kind")
			all, _ := cmd.Flags().GetBool("all")
			kind, err := parseKind(kindFlag)
			if err != nil {
				return err
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("give item ids or --all")
			}

			return withStore(func(ctx context.Context, store *queue.Store) error {
				if all {
					n, err := store.RetryAllFailed(ctx, kind)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]int{"requeued": n})
				}
				states := make([]queue.ItemState, 0, len(args))
				for _, id := range args {
					st, err := store.RetryFailed(ctx, kind, id)
					if err != nil {
						return err
					}
					states = append(states, st)
				}
				return writeJSON(cmd.OutOrStdout(), states)
			})
		},
	}
	cmd.Flags().String("kind", "action", "Queue of the items (upload or action)")
	cmd.Flags().Bool("all", false, "Requeue every failed item of the kind")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict old failures, uploaded items and expired cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			allUploaded, _ := cmd.Flags().GetBool("all-uploaded")
			return withStore(func(ctx context.Context, store *queue.Store) error {
				opts := store.DefaultCleanup()
				opts.AllUploaded = allUploaded
				report, err := store.Cleanup(ctx, opts)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().Bool("all-uploaded", false, "Also evict uploaded items still in their grace period")
	return cmd
}
