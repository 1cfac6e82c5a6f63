package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dealdecision-ai/ingestion-engine/internal/api"
	"github.com/dealdecision-ai/ingestion-engine/internal/collab"
	"github.com/dealdecision-ai/ingestion-engine/internal/ingest"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/report"
	"github.com/dealdecision-ai/ingestion-engine/internal/verify"
	"github.com/dealdecision-ai/ingestion-engine/internal/visual"
)

var (
	workerQueues []string
	skipServer   bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue workers and the status server",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerQueues, "queues", nil, "queues to consume (default: all)")
	workerCmd.Flags().BoolVar(&skipServer, "no-server", false, "do not serve the status API")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Ingestion.ExtractorURL == "" {
		return fmt.Errorf("ingestion.extractor_url (DOCUMENT_EXTRACTOR_URL) is required")
	}

	logger := newLogger(cfg)
	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("queue", cfg.Queue.Driver).
		Bool("visual_extraction", cfg.Extraction.Enabled).
		Msg("Starting ingestion worker")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	in, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}()
	if in.ephemeral() {
		logger.Warn().Msg("in-memory storage or queue: jobs do not survive a restart")
	}

	workers, err := buildWorkers(in)
	if err != nil {
		return err
	}
	workers = selectQueues(workers, workerQueues)
	if len(workers) == 0 {
		return fmt.Errorf("no known queues in %v", workerQueues)
	}

	var srv *http.Server
	serverErrors := make(chan error, 1)
	if !skipServer {
		srv = newStatusServer(in)
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("Status server listening")
			serverErrors <- srv.ListenAndServe()
		}()
	}

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- queue.RunAll(ctx, workers...)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	drained := false
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server error")
			runErr = err
		}
	case err := <-workersDone:
		drained = true
		if err != nil {
			logger.Error().Err(err).Msg("Workers stopped")
			runErr = err
		}
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Graceful shutdown failed")
			_ = srv.Close()
		}
	}

	if !drained {
		select {
		case err := <-workersDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Workers stopped with error")
			}
		case <-shutdownCtx.Done():
			logger.Warn().Msg("Workers did not drain before the shutdown deadline")
		}
	}

	logger.Info().Msg("Ingestion worker stopped")
	return runErr
}

func buildWorkers(in *infra) ([]*queue.Worker, error) {
	cfg := in.cfg
	logger := in.logger
	repos := in.repos

	extractor, err := collab.NewHTTPExtractor(collab.Config{
		BaseURL: cfg.Ingestion.ExtractorURL,
		Timeout: cfg.Ingestion.ExtractorTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	var verifier collab.Verifier = collab.NewHeuristicVerifier()
	if cfg.Verification.VerifierURL != "" {
		v, err := collab.NewHTTPVerifier(collab.Config{
			BaseURL: cfg.Verification.VerifierURL,
			Timeout: cfg.Verification.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		verifier = v
	} else {
		logger.Info().Msg("no verifier URL configured, scoring extractions locally")
	}

	resolver := visual.NewResolver(visual.ResolverConfig{
		UploadRoot: cfg.Extraction.UploadRoot,
		MaxPages:   cfg.Extraction.MaxPages,
	}, repos.Documents, nil, logger)
	sink := visual.NewSink(repos.Visuals, repos.Evidence)
	synthetic := visual.NewSyntheticBuilder(sink, cfg.Extraction.ExtractorVersion, logger)
	kickoff := visual.NewKickoff(visual.KickoffConfig{
		Enabled:          cfg.Extraction.Enabled,
		ExtractorVersion: cfg.Extraction.ExtractorVersion,
	}, repos.Documents, resolver, synthetic, in.runtime, observability.NewOnce(), logger)

	ingestProc := ingest.NewProcessor(ingest.Config{
		MaxAttempts:      cfg.Ingestion.MaxAttempts,
		DefaultThreshold: cfg.Ingestion.DefaultThreshold,
		WordThreshold:    cfg.Ingestion.WordThreshold,
		VerifyDelay:      cfg.Ingestion.VerifyDelay,
	}, repos.Documents, repos.Evidence, extractor, in.runtime, kickoff, logger)
	verifyProc := verify.NewProcessor(repos.Documents, verifier, logger)
	aggregator := report.NewAggregator(repos.Documents, repos.Reports, logger)

	concurrency := queue.WithConcurrency(cfg.Queue.Concurrency)
	workers := []*queue.Worker{
		in.runtime.CreateWorker(queue.QueueIngestDocument, ingestProc.Handle, concurrency),
		in.runtime.CreateWorker(queue.QueueVerifyDocuments, verifyProc.Handle, concurrency),
		in.runtime.CreateWorker(queue.QueueGenerateReport, aggregator.Handle, queue.WithConcurrency(1)),
	}

	if cfg.Extraction.Enabled {
		vision, err := visual.NewVisionClient(visual.VisionConfig{
			BaseURL: cfg.Extraction.VisionURL,
			Timeout: cfg.Extraction.VisionTimeout,
			RPS:     cfg.Extraction.VisionRPS,
		}, logger)
		if err != nil {
			return nil, err
		}
		visualProc, err := visual.NewProcessor(visual.ProcessorConfig{
			PageConcurrency: cfg.Extraction.PageConcurrency,
		}, vision, sink, visual.NewURIMapper(cfg.Extraction.UploadRoot, cfg.Extraction.PublicPrefix), logger)
		if err != nil {
			return nil, err
		}
		workers = append(workers, in.runtime.CreateWorker(queue.QueueExtractVisuals, visualProc.Handle, concurrency))
	}

	return workers, nil
}

func selectQueues(workers []*queue.Worker, names []string) []*queue.Worker {
	if len(names) == 0 {
		return workers
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*queue.Worker
	for _, w := range workers {
		if want[w.Queue()] {
			out = append(out, w)
		}
	}
	return out
}

func newStatusServer(in *infra) *http.Server {
	cfg := in.cfg
	checks := map[string]api.Check{"broker": in.broker.Ping}
	if in.db != nil {
		checks["database"] = in.db.PingContext
	}

	router := api.NewRouter(api.Config{
		RequestTimeout: cfg.Server.WriteTimeout,
		ServiceName:    cfg.Observability.ServiceName,
		Checks:         checks,
	}, in.repos.Jobs, in.repos.Reports, in.logger)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}
