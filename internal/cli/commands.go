package cli

import (
	"context"
	"fmt"

	"ingest-queue/internal/app"
	"ingest-queue/internal/models"

	"github.com/spf13/cobra"
)

func enqueueCmd(f *rootFlags) *cobra.Command {
	var now bool

	cmd := &cobra.Command{
		Use:   "enqueue <reference> <path>",
		Short: "Add a file to the queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				job, err := a.Jobs.Enqueue(ctx, models.EnqueueRequest{ReferenceID: args[0], FilePath: args[1]})
				if err != nil {
					return err
				}

				if now {
					outcome, err := a.Worker.ProcessOne(ctx, job.ID)
					if err != nil {
						return err
					}
					if job, err = a.Jobs.GetJob(ctx, job.ID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "outcome: %s\n", outcome)
				}
				return printJSON(cmd, job)
			})
		},
	}

	cmd.Flags().BoolVar(&now, "now", false, "process the job before returning")
	return cmd
}

func statusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <reference>",
		Short: "Show the latest job for a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				view, err := a.Jobs.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, view)
			})
		},
	}
}

func runCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process one batch of due jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Scheduler.RunNow(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d\n", n)
				return nil
			})
		},
	}
}

func purgeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete exhausted failed jobs past retention and fail stuck jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				purged, requeued, err := a.Scheduler.RunCleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d, requeued %d\n", purged, requeued)
				return nil
			})
		},
	}
}

func serveCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)

			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func workerCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)

			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunWorker(ctx)
			})
		},
	}
}
