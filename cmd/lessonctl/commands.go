package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/lesson_offline/internal/download"
	"github.com/italolelis/lesson_offline/internal/http/rest"
	"github.com/italolelis/lesson_offline/internal/quota"
	"github.com/italolelis/lesson_offline/internal/syncer"
)

type rootOptions struct {
	addr     string
	username string
	password string
	timeout  time.Duration
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.addr, o.username, o.password, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "lessonctl",
		Short:         "Control the offline lesson engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:9092", "address of the lesson_offline API")
	root.PersistentFlags().StringVar(&opts.username, "user", "", "basic auth username")
	root.PersistentFlags().StringVar(&opts.password, "password", "", "basic auth password")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		downloadCmd(opts),
		downloadModuleCmd(opts),
		taskActionCmd(opts, "pause", "Pause a download."),
		taskActionCmd(opts, "resume", "Resume a paused or failed download."),
		taskActionCmd(opts, "cancel", "Cancel a download."),
		deleteCmd(opts),
		clearCmd(opts),
		optimizeCmd(opts),
		syncCmd(opts),
		statusCmd(opts),
		usageCmd(opts),
		tasksCmd(opts),
	)

	return root
}

func downloadCmd(opts *rootOptions) *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "download <lesson-id>",
		Short: "Download a lesson for offline use.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task download.Task

			err := opts.client().do(cmd.Context(), http.MethodPost, "/downloads",
				rest.DownloadRequest{LessonID: args[0], Quality: quality}, &task)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), task)
		},
	}

	cmd.Flags().StringVarP(&quality, "quality", "q", "hd", "quality tier: sd, hd or audio")

	return cmd
}

func downloadModuleCmd(opts *rootOptions) *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "download-module <module-id>",
		Short: "Download every lesson of a module.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.ModuleDownloadResponse

			err := opts.client().do(cmd.Context(), http.MethodPost, "/modules/"+url.PathEscape(args[0])+"/downloads",
				rest.DownloadRequest{Quality: quality}, &resp)
			if err != nil {
				return err
			}

			if err := printTasks(cmd.OutOrStdout(), resp.Tasks); err != nil {
				return err
			}

			if resp.Error != "" {
				return fmt.Errorf("some lessons were not queued: %s", resp.Error)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&quality, "quality", "q", "hd", "quality tier: sd, hd or audio")

	return cmd
}

func taskActionCmd(opts *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task download.Task

			if err := opts.client().do(cmd.Context(), http.MethodPost, "/downloads/"+url.PathEscape(args[0])+"/"+action, nil, &task); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", task.ID, task.Status)

			return nil
		},
	}
}

func deleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <lesson-id>",
		Short: "Delete the downloaded media of a lesson. Progress is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.FreedResponse

			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/lessons/"+url.PathEscape(args[0])+"/download", nil, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "freed %s\n", humanize.Bytes(uint64(max(resp.FreedBytes, 0))))

			return nil
		},
	}
}

func clearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every downloaded lesson.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp rest.FreedResponse

			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/downloads", nil, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "freed %s\n", humanize.Bytes(uint64(max(resp.FreedBytes, 0))))

			return nil
		},
	}
}

func optimizeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Drop expired downloads and evict completed lessons.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report json.RawMessage

			if err := opts.client().do(cmd.Context(), http.MethodPost, "/storage/optimize", nil, &report); err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func syncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending progress now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var info syncer.Info

			if err := opts.client().do(cmd.Context(), http.MethodPost, "/sync", nil, &info); err != nil {
				return err
			}

			printSyncInfo(cmd.OutOrStdout(), info)

			return nil
		},
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the progress sync status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var info syncer.Info

			if err := opts.client().do(cmd.Context(), http.MethodGet, "/sync", nil, &info); err != nil {
				return err
			}

			printSyncInfo(cmd.OutOrStdout(), info)

			return nil
		},
	}
}

func usageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show storage usage of downloaded lessons.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats quota.Stats

			if err := opts.client().do(cmd.Context(), http.MethodGet, "/storage", nil, &stats); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "used %s of %s (%.1f%%), %s reserved, %s available\n",
				humanize.Bytes(uint64(max(stats.Used, 0))),
				humanize.Bytes(uint64(max(stats.Total, 0))),
				stats.Usage,
				humanize.Bytes(uint64(max(stats.Reserved, 0))),
				humanize.Bytes(uint64(max(stats.Available, 0))))

			return nil
		},
	}
}

func tasksCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List download tasks.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tasks []download.Task

			if err := opts.client().do(cmd.Context(), http.MethodGet, "/downloads", nil, &tasks); err != nil {
				return err
			}

			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}
}

func printTasks(w io.Writer, tasks []download.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tLESSON\tQUALITY\tSTATUS\tPROGRESS\tSIZE")

	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s\n",
			t.ID, t.LessonID, t.Quality, t.Status, t.Progress, humanize.Bytes(uint64(max(t.TotalBytes, 0))))
	}

	return tw.Flush()
}

func printSyncInfo(w io.Writer, info syncer.Info) {
	fmt.Fprintf(w, "status: %s\npending: %d\n", info.Status, info.PendingItems)

	if !info.LastSync.IsZero() {
		fmt.Fprintf(w, "last sync: %s\n", humanize.Time(info.LastSync))
	}

	if info.Error != "" {
		fmt.Fprintf(w, "error: %s (retry %d)\n", info.Error, info.RetryCount)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
