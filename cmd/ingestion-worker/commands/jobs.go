package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

var (
	jobsDealID     string
	jobsDocumentID string
	jobsLimit      int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "Show a job, or list jobs for a deal or document",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsDealID, "deal", "", "list jobs for a deal")
	jobsCmd.Flags().StringVar(&jobsDocumentID, "document", "", "list jobs for a document")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to list")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && jobsDealID == "" && jobsDocumentID == "" {
		return fmt.Errorf("pass a job id, --deal or --document")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	in, err := openInfra(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer in.Close()

	var jobs []*storage.Job
	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		job, err := in.repos.Jobs.GetByID(ctx, id)
		if err != nil {
			failure("job %s: %v", id, err)
			return err
		}
		jobs = append(jobs, job)
	} else {
		jobs, err = in.repos.Jobs.List(ctx, storage.JobFilter{DealID: jobsDealID, DocumentID: jobsDocumentID, Limit: jobsLimit})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			info("no jobs found")
			return nil
		}
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID.String(),
			string(j.Type),
			string(j.Status),
			strconv.Itoa(j.Progress) + "%",
			j.UpdatedAt.Format("2006-01-02 15:04:05"),
			j.Message,
		})
	}
	table([]string{"ID", "TYPE", "STATUS", "PROGRESS", "UPDATED", "MESSAGE"}, rows)
	return nil
}
