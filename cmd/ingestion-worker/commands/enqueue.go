package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dealdecision-ai/ingestion-engine/internal/ingest"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/report"
	"github.com/dealdecision-ai/ingestion-engine/internal/verify"
)

var enqueueDealID string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job",
}

var enqueueIngestCmd = &cobra.Command{
	Use:   "ingest <document-id> <file>",
	Short: "Enqueue ingest_document for an uploaded file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueDealID == "" {
			return fmt.Errorf("--deal is required for ingestion")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		payload := ingest.Payload{
			DocumentID: args[0],
			DealID:     enqueueDealID,
			FileName:   filepath.Base(args[1]),
			FileBuffer: base64.StdEncoding.EncodeToString(data),
			Attempt:    1,
		}
		return enqueue(cmd.Context(), queue.QueueIngestDocument, payload, queue.EnqueueOptions{
			DealID:     enqueueDealID,
			DocumentID: args[0],
		})
	},
}

var enqueueVerifyCmd = &cobra.Command{
	Use:   "verify <document-id>...",
	Short: "Enqueue verify_documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := queue.EnqueueOptions{DealID: enqueueDealID}
		if len(args) == 1 {
			opts.DocumentID = args[0]
		}
		return enqueue(cmd.Context(), queue.QueueVerifyDocuments, verify.Payload{DealID: enqueueDealID, DocumentIDs: args}, opts)
	},
}

var enqueueReportCmd = &cobra.Command{
	Use:   "report <document-id>...",
	Short: "Enqueue generate_ingestion_report",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueDealID == "" {
			return fmt.Errorf("--deal is required for reports")
		}
		return enqueue(cmd.Context(), queue.QueueGenerateReport, report.Payload{DealID: enqueueDealID, DocumentIDs: args}, queue.EnqueueOptions{DealID: enqueueDealID})
	},
}

func init() {
	enqueueCmd.PersistentFlags().StringVar(&enqueueDealID, "deal", "", "deal id")
	enqueueCmd.AddCommand(enqueueIngestCmd, enqueueVerifyCmd, enqueueReportCmd)
	rootCmd.AddCommand(enqueueCmd)
}

func enqueue(ctx context.Context, queueName string, payload interface{}, opts queue.EnqueueOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	in, err := openInfra(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer in.Close()

	if in.ephemeral() {
		warning("in-memory storage or queue configured; the job will be lost when this command exits")
	}

	handle, err := in.runtime.Enqueue(ctx, queueName, payload, opts)
	if err != nil {
		failure("enqueue %s failed: %v", queueName, err)
		return err
	}
	success("queued %s job %s", handle.Queue, handle.JobID)
	return nil
}
