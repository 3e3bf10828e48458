package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"enrichment-orchestrator/internal/artifacts"
	"enrichment-orchestrator/internal/bootstrap"
	"enrichment-orchestrator/internal/config"
	"enrichment-orchestrator/internal/errorqueue"
	"enrichment-orchestrator/internal/logging"
	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/scheduler"
	"enrichment-orchestrator/internal/store"
)

var (
	cfg     config.Config
	st      store.Store
	control *scheduler.Control
	errQ    *errorqueue.Queue
)

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Operate BOM enrichment jobs and the error queue",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		logging.Setup(cfg.Env, cfg.LogLevel, "console")
		var err error
		st, err = bootstrap.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		var counter scheduler.ItemCounter
		if objects, err := artifacts.NewStore(cmd.Context(), cfg); err == nil {
			counter = artifacts.NewCSVSource(objects, cfg.ArtifactMaxBytes)
		} else {
			log.Warn().Err(err).Msg("artifact store unavailable, item counting disabled")
		}
		control = scheduler.NewControl(st, counter, cfg.DefaultMaxRetries)
		errQ = errorqueue.New(st)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if st != nil {
			_ = st.Close()
		}
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		// OpenStore already migrated; report the driver for the operator.
		fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", cfg.StoreDriver)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a customer BOM or bulk upload job",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		bom, _ := flags.GetString("bom")
		upload, _ := flags.GetString("upload")
		tenant, _ := flags.GetString("tenant")
		artifact, _ := flags.GetString("artifact")
		priority, _ := flags.GetInt("priority")
		total, _ := flags.GetInt("items")
		maxRetries, _ := flags.GetInt("max-retries")

		job := models.Job{ArtifactKey: artifact, Priority: priority, TotalItems: total, MaxRetries: maxRetries}
		switch {
		case bom != "":
			job.Kind, job.BomID = models.KindCustomerBOM, &bom
			if priority == 0 {
				job.Priority = models.PriorityCustomer
			}
		case upload != "":
			job.Kind, job.BulkUploadID = models.KindBulkUpload, &upload
			if priority == 0 {
				job.Priority = models.PriorityBackground
			}
		default:
			return fmt.Errorf("one of --bom or --upload is required")
		}
		if tenant != "" {
			job.TenantID = &tenant
		}
		created, err := control.Submit(cmd.Context(), job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job queued: %s (priority %d, %d items)\n", created.ID, created.Priority, created.TotalItems)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in selection order",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f models.JobFilter
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			status, err := models.ParseJobStatus(v)
			if err != nil {
				return err
			}
			f.Status = &status
		}
		if v, _ := cmd.Flags().GetString("tenant"); v != "" {
			f.TenantID = &v
		}
		f.Limit, _ = cmd.Flags().GetInt("limit")
		jobs, err := control.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-12s %-4s %-11s %-8s %-7s %-25s\n", "ID", "STATUS", "PRI", "PROGRESS", "FAILED", "RETRIES", "CREATED_AT")
		fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("-", 110))
		for _, job := range jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-12s %-4d %-11s %-8d %-7s %-25s\n",
				job.ID,
				job.Status,
				job.Priority,
				fmt.Sprintf("%d/%d", job.ProcessedItems, job.TotalItems),
				job.FailedItems,
				fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
				job.CreatedAt.Format(time.RFC3339),
			)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history job-id",
	Short: "Print a job's progress events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		for ev, err := range store.History(cmd.Context(), st, args[0], since, 0) {
			if err != nil {
				return err
			}
			s := ev.Snapshot
			fmt.Fprintf(cmd.OutOrStdout(), "%4d %-26s %-11s %d/%d ok=%d failed=%d %s\n",
				ev.Sequence, ev.Type, s.Status, s.ProcessedItems, s.TotalItems, s.SucceededItems, s.FailedItems,
				ev.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func adminCmd(use, short string, op func(ctx context.Context, id, actor, reason string) (models.Job, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " job-id",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")
			job, err := op(cmd.Context(), args[0], actor, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().String("actor", defaultActor(), "Operator recorded on the job")
	return cmd
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Review failed components",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List error queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f models.EntryFilter
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			status, err := models.ParseEntryStatus(v)
			if err != nil {
				return err
			}
			f.Status = &status
		}
		if v, _ := cmd.Flags().GetString("job"); v != "" {
			f.JobID = &v
		}
		entries, err := errQ.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No error entries found")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-20s %-22s %-10s %-5s %s\n", "ID", "COMPONENT", "STATUS", "TYPE", "TRIES", "MESSAGE")
		fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("-", 110))
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-20s %-22s %-10s %-5d %s\n", e.ID, e.ComponentRef, e.Status, e.ErrorType, e.RetryCount, e.ErrorMessage)
		}
		return nil
	},
}

func reviewCmd(use, short string, op func(ctx context.Context, id, actor string) (models.ErrorEntry, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " entry-id",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			entry, err := op(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %s is %s\n", entry.ID, entry.Status)
			return nil
		},
	}
	cmd.Flags().String("actor", defaultActor(), "Reviewer recorded on the entry")
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "jobctl"
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	submitCmd.Flags().String("bom", "", "Customer BOM id")
	submitCmd.Flags().String("upload", "", "Bulk upload id")
	submitCmd.Flags().String("tenant", "", "Tenant id (required for BOM jobs)")
	submitCmd.Flags().String("artifact", "", "Artifact key of the BOM CSV")
	submitCmd.Flags().IntP("priority", "p", 0, "Priority 1 (urgent) to 10")
	submitCmd.Flags().Int("items", 0, "Item count; counted from the artifact when 0")
	submitCmd.Flags().Int("max-retries", 0, "Job-level retry budget")
	rootCmd.AddCommand(submitCmd)

	listCmd.Flags().StringP("status", "s", "", "Filter by status")
	listCmd.Flags().String("tenant", "", "Filter by tenant")
	listCmd.Flags().Int("limit", 50, "Maximum rows")
	rootCmd.AddCommand(listCmd)

	historyCmd.Flags().Int64("since", 0, "Only events after this sequence")
	rootCmd.AddCommand(historyCmd)

	rootCmd.AddCommand(adminCmd("pause", "Pause a processing job", func(ctx context.Context, id, actor, _ string) (models.Job, error) {
		return control.Pause(ctx, id, actor)
	}))
	rootCmd.AddCommand(adminCmd("resume", "Resume a paused job", func(ctx context.Context, id, actor, _ string) (models.Job, error) {
		return control.Resume(ctx, id, actor)
	}))
	cancelCmd := adminCmd("cancel", "Cancel a job permanently", func(ctx context.Context, id, actor, reason string) (models.Job, error) {
		return control.Cancel(ctx, id, actor, reason)
	})
	cancelCmd.Flags().String("reason", "", "Cancellation reason")
	rootCmd.AddCommand(cancelCmd)

	errorsListCmd.Flags().StringP("status", "s", "", "Filter by entry status")
	errorsListCmd.Flags().String("job", "", "Filter by job id")
	errorsCmd.AddCommand(errorsListCmd)
	errorsCmd.AddCommand(reviewCmd("abandon", "Close an entry after review", func(ctx context.Context, id, actor string) (models.ErrorEntry, error) {
		return errQ.Abandon(ctx, id, actor)
	}))
	errorsCmd.AddCommand(reviewCmd("reopen", "Start a fresh retry cycle for an entry", func(ctx context.Context, id, actor string) (models.ErrorEntry, error) {
		return errQ.Reopen(ctx, id, actor)
	}))
	rootCmd.AddCommand(errorsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
