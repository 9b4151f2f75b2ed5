package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"latency-correlations/internal/config"
	"latency-correlations/internal/logger"
	"latency-correlations/internal/models"
)

var (
	cfg      config.Config
	log      = slog.Default()
	closeLog func() error

	params   models.SearchParams
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Find field/value pairs correlated with slow transactions",
	Long: `correlate finds the field/value pairs whose presence is significantly
correlated with high transaction latency.

Configuration is read from the same environment variables as the API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg = config.Load()
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		log, closeLog = logger.New(logger.Config{Level: level, Format: cfg.LogFormat, File: cfg.LogFile})
		return nil
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
	rootCmd.AddCommand(runCmd, pollCmd, loadCmd)
}

// addSearchFlags binds the search parameters shared by run and poll.
func addSearchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&params.Environment, "environment", models.EnvironmentAll, "service environment, ENVIRONMENT_ALL or ENVIRONMENT_NOT_DEFINED")
	f.StringVar(&params.Start, "start", "", "range start (RFC3339, date or epoch ms)")
	f.StringVar(&params.End, "end", "", "range end (RFC3339, date or epoch ms)")
	f.StringVar(&params.Kuery, "kuery", "", `extra filter, e.g. 'host.name:"a" and http.method:GET'`)
	f.Float64Var(&params.PercentileThreshold, "percentile", 95, "latency percentile that defines slow transactions")
	f.StringVar(&params.ServiceName, "service", "", "service.name filter")
	f.StringVar(&params.TransactionName, "transaction-name", "", "transaction.name filter")
	f.StringVar(&params.TransactionType, "transaction-type", "", "transaction.type filter")
}
