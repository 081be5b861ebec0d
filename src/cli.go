// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"taskorchestrator/src/config"
	"taskorchestrator/src/model"
	"taskorchestrator/src/persistence"
	"taskorchestrator/src/versioncontrol"
)

// apiClient talks to a running server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Minute}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func defaultServer() string {
	if s := os.Getenv("ORCHESTRATOR_URL"); s != "" {
		return s
	}
	return "http://localhost:" + config.Load().APIPort
}

func statusColor(s model.TaskStatus) string {
	switch s {
	case model.TaskCompleted:
		return color.GreenString(string(s))
	case model.TaskFailed:
		return color.RedString(string(s))
	case model.TaskCancelled:
		return color.HiBlackString(string(s))
	case model.TaskPlanning, model.TaskInProgress:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func taskCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and run tasks on a running server",
		Long: `Task commands talk to the API of a running orchestrator.

Examples:
  taskorchestrator task create "Build a contact page" --type website_creation --priority high
  taskorchestrator task create "Nightly report" --in 2h --meta analysis_type=general
  taskorchestrator task list --status failed
  taskorchestrator task execute <id>
  taskorchestrator task logs <id>`,
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer(), "Orchestrator API base URL")
	client := func() *apiClient { return newAPIClient(server) }

	cmd.AddCommand(
		taskCreateCmd(client),
		taskListCmd(client),
		taskGetCmd(client),
		taskExecuteCmd(client),
		taskLogsCmd(client),
		taskCancelCmd(client),
	)
	return cmd
}

func taskCreateCmd(client func() *apiClient) *cobra.Command {
	var (
		taskType string
		priority string
		meta     map[string]string
		at       string
		in       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "Submit a new task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := strings.Join(args, " ")
			body := createTaskRequest{
				Description: &description,
				Type:        taskType,
				Priority:    priority,
			}
			if len(meta) > 0 {
				body.Metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					body.Metadata[k] = v
				}
			}
			switch {
			case at != "":
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				body.ScheduledAt = &when
			case in > 0:
				when := time.Now().Add(in)
				body.ScheduledAt = &when
			}

			var resp map[string]string
			if err := client().do(cmd.Context(), http.MethodPost, "/api/tasks", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Created task"), resp["task_id"])
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "Task type (website_creation, app_development, data_analysis, planning, deployment, general)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Priority (low, medium, high)")
	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "Metadata key=value pairs")
	cmd.Flags().StringVar(&at, "at", "", "Schedule for an RFC3339 time")
	cmd.Flags().DurationVar(&in, "in", 0, "Schedule after a delay")
	return cmd
}

func taskListCmd(client func() *apiClient) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var resp struct {
				Tasks []model.Task `json:"tasks"`
			}
			if err := client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tTYPE\tPROGRESS\tDESCRIPTION")
			for _, t := range resp.Tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
					t.ID, statusColor(t.Status), t.Priority, t.Type, t.Progress, truncate(t.Description, 50))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Only show tasks with this status")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func taskGetCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task model.Task
			if err := client().do(cmd.Context(), http.MethodGet, "/api/tasks/"+url.PathEscape(args[0]), nil, &task); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func taskExecuteCmd(client func() *apiClient) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Run a task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks/" + url.PathEscape(args[0]) + "/execute"
			if async {
				path += "?async=true"
			}
			var resp map[string]any
			if err := client().do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("Task failed"))
				return err
			}
			if async {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("Accepted task"), args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Executed task"), args[0])
			return printJSON(cmd.OutOrStdout(), resp["result"])
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Return immediately and run in the background")
	return cmd
}

func taskLogsCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a task's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Logs []model.LogEntry `json:"logs"`
			}
			if err := client().do(cmd.Context(), http.MethodGet, "/api/tasks/"+url.PathEscape(args[0])+"/logs", nil, &resp); err != nil {
				return err
			}
			for _, e := range resp.Logs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.HiBlackString(e.Time.Format(time.RFC3339)), e.Message)
			}
			return nil
		},
	}
}

func taskCancelCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().do(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.HiBlackString("Cancelled task"), args[0])
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var server string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the commits recorded for executed tasks",
		Example: `  taskorchestrator history
  taskorchestrator history --limit 25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Commits []versioncontrol.Commit `json:"commits"`
			}
			path := "/api/history?limit=" + strconv.Itoa(limit)
			if err := newAPIClient(server).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Commits) == 0 {
				fmt.Fprintln(out, color.HiBlackString("No commits yet"))
				return nil
			}
			for _, c := range resp.Commits {
				subject, _, _ := strings.Cut(c.Message, "\n")
				short := c.Hash
				if len(short) > 8 {
					short = short[:8]
				}
				fmt.Fprintf(out, "%s %s %s %s\n",
					color.YellowString(short),
					color.HiBlackString(c.Date.Format(time.RFC3339)),
					subject,
					color.HiBlackString(fmt.Sprintf("(%d files)", c.FilesChanged)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer(), "Orchestrator API base URL")
	cmd.Flags().IntVarP(&limit, "limit", "n", versioncontrol.DefaultHistoryLimit, "Maximum number of commits")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save or move persisted task snapshots",
		Long: `Snapshot drivers: file, postgres, sqlite3. Locations come from
SNAPSHOT_PATH, SQLITE_PATH and the DB_* variables.

Examples:
  taskorchestrator snapshot save
  taskorchestrator snapshot copy --from file --to postgres`,
	}
	cmd.AddCommand(snapshotSaveCmd(), snapshotCopyCmd())
	return cmd
}

func snapshotSaveCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Ask a running server to persist its snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newAPIClient(server).do(cmd.Context(), http.MethodPost, "/api/snapshot", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %v tasks\n", color.GreenString("Saved"), resp["tasks"])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer(), "Orchestrator API base URL")
	return cmd
}

func snapshotCopyCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy the snapshot from one driver to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := copySnapshot(cmd.Context(), config.Load(), from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d tasks from %s to %s\n", color.GreenString("Copied"), n, from, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", persistence.DriverFile, "Source driver")
	cmd.Flags().StringVar(&to, "to", persistence.DriverSQLite, "Destination driver")
	return cmd
}

func copySnapshot(ctx context.Context, cfg config.Config, from, to string) (int, error) {
	if from == to {
		return 0, fmt.Errorf("source and destination are both %s", from)
	}
	src, err := persistence.Open(ctx, from, cfg.SnapshotTarget(from))
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dst, err := persistence.Open(ctx, to, cfg.SnapshotTarget(to))
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	snap, err := src.Load(ctx)
	if err != nil {
		return 0, err
	}
	if err := dst.Save(ctx, snap); err != nil {
		return 0, err
	}
	return snap.Len(), nil
}
