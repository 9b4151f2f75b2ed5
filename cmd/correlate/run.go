package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	api "latency-correlations/internal/api"
	"latency-correlations/internal/backend"
	"latency-correlations/internal/config"
	"latency-correlations/internal/models"
	"latency-correlations/internal/store"
	"latency-correlations/internal/telemetry"
	"latency-correlations/internal/worker"
)

var (
	runDataFile string
	runMetrics  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one correlation search to completion and print the result",
	Long: `Run one correlation search in this process and print the final response as JSON.

Transactions come from Postgres (POSTGRES_DSN) unless --data names an NDJSON file
of {"@timestamp", "duration_us", "fields"} documents.

Examples:
  correlate run --data transactions.ndjson --percentile 95
  correlate run --service opbeans-go --start 2024-01-01 --end 2024-02-01`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if cfg.TraceStdout {
			shutdown, err := telemetry.InitTracing(ctx, "correlate", os.Stderr)
			if err != nil {
				return err
			}
			defer shutdown(context.Background())
		}

		if runMetrics {
			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
					log.Warn("metrics server stopped", "error", err)
				}
			}()
		}

		gw, closeGateway, err := openGateway(ctx, runDataFile)
		if err != nil {
			return err
		}
		defer closeGateway()

		resp := runSearch(ctx, gw, cfg, params, cmd.ErrOrStderr())
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	addSearchFlags(runCmd)
	runCmd.Flags().StringVar(&runDataFile, "data", "", "NDJSON file of transactions instead of Postgres")
	runCmd.Flags().BoolVar(&runMetrics, "metrics", false, "serve Prometheus metrics on METRICS_ADDR while running")
}

func openGateway(ctx context.Context, dataFile string) (backend.Gateway, func(), error) {
	if dataFile != "" {
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open data file: %w", err)
		}
		defer f.Close()
		docs, err := backend.LoadDocuments(f)
		if err != nil {
			return nil, nil, err
		}
		log.Info("loaded transactions", "count", len(docs), "file", dataFile)
		return backend.NewMemory(docs), func() {}, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

// runSearch executes one job synchronously, echoing its log to progress as it grows.
func runSearch(ctx context.Context, gw backend.Gateway, cfg config.Config, p models.SearchParams, progress io.Writer) models.SearchResponse {
	printed := 0
	exec := worker.NewExecutor(gw, worker.Options{
		Policy: backend.ExclusionPolicy{
			Exclude:         cfg.FieldExclude,
			ExcludePrefixes: cfg.FieldExcludePrefixes,
			Include:         cfg.FieldInclude,
			SampleSize:      cfg.FieldCandidateSampleSize,
		},
		TopK:            cfg.FieldValuesTopK,
		HistogramSteps:  cfg.HistogramSteps,
		PairConcurrency: cfg.PairConcurrency,
		OnPublish: func(_ *worker.Job, s *worker.Snapshot) {
			for ; printed < len(s.Raw.Log); printed++ {
				fmt.Fprintf(progress, "[%3d%%] %s\n", s.Loaded, s.Raw.Log[printed])
			}
		},
	}, log)

	job := worker.NewJob(uuid.New().String(), p, "cli", time.Now())
	snap := exec.Run(ctx, job)
	return api.BuildResponse(job.ID, snap, false)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
