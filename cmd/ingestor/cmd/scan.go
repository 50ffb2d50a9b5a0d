package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ledger-ingestion-service/cmd/ingestor/config"
	"ledger-ingestion-service/internal/metrics"
	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/parsers"
	"ledger-ingestion-service/internal/pipeline"
	"ledger-ingestion-service/internal/reporter"
	"ledger-ingestion-service/internal/source"
	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/pkg/logger"
)

// progressLogInterval throttles --progress log lines
const progressLogInterval = 2 * time.Second

func newScanCommand(a *app) *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Ingest a message export into the ledger",
		Long: `Scan reads the message export for the scan window, classifies every
message, removes duplicates and saves new transactions to the ledger.

The first scan reads the whole lookback period. Later scans are incremental
and start at the previous scan, minus a three day overlap. Re-running a scan
is always safe: messages already saved are detected as duplicates.

Exit codes:
  0   run completed
  75  transient failure (source or database unavailable, interrupted); retry later
  1   permanent failure (bad configuration, unexpected error)

Examples:
  # Scan an SMS export
  ingestor scan --db ledger.db --messages sms.csv

  # Add an RCS export and print a JSON report
  ingestor scan --messages sms.csv --rcs rcs.csv --output-format json

  # Rescan the last 90 days from scratch with progress logging
  ingestor scan --messages sms.csv --lookback-days 90 --force-resync --progress`,
		Args:    cobra.NoArgs,
		PreRunE: a.validateScanFlags,
		RunE:    a.runScan,
	}

	flags := scanCmd.Flags()
	flags.StringP(config.KeyMessages, "m", "", "path to the SMS and notification export CSV (required)")
	flags.String(config.KeyRCS, "", "path to an RCS export CSV (optional, best effort)")
	flags.Int(config.KeyLookbackDays, 365, "days to look back; 0 scans all time")
	flags.Bool(config.KeyForceResync, false, "ignore the previous scan and read the whole lookback period")
	flags.Int(config.KeyWorkers, 0, "classifier workers (0: number of CPUs minus one, at least 1)")
	flags.String(config.KeyProfiles, "", "YAML file with bank profiles (default: built-in banks)")
	flags.Bool(config.KeyProgress, false, "log progress while scanning")
	flags.StringP(config.KeyOutputFile, "o", "", "report file path (default: stdout)")
	flags.String(config.KeyMetricsFile, "", "write Prometheus metrics in textfile format to this path")

	for _, key := range []string{
		config.KeyMessages, config.KeyRCS, config.KeyLookbackDays, config.KeyForceResync,
		config.KeyWorkers, config.KeyProfiles, config.KeyProgress, config.KeyOutputFile, config.KeyMetricsFile,
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(key))
	}

	return scanCmd
}

func (a *app) validateScanFlags(cmd *cobra.Command, args []string) error {
	var errs []error

	messages := a.v.GetString(config.KeyMessages)
	if messages == "" {
		errs = append(errs, fmt.Errorf("--messages is required"))
	} else if err := validateFileExists(messages, "message export"); err != nil {
		errs = append(errs, err)
	}
	if rcs := a.v.GetString(config.KeyRCS); rcs != "" {
		if err := validateFileExists(rcs, "RCS export"); err != nil {
			errs = append(errs, err)
		}
	}
	if profiles := a.v.GetString(config.KeyProfiles); profiles != "" {
		if err := validateFileExists(profiles, "bank profile file"); err != nil {
			errs = append(errs, err)
		}
	}
	if a.v.GetInt(config.KeyWorkers) < 0 {
		errs = append(errs, fmt.Errorf("workers cannot be negative"))
	}
	if a.v.GetInt(config.KeyLookbackDays) < 0 {
		errs = append(errs, fmt.Errorf("lookback days cannot be negative"))
	}
	if _, err := config.CreateReportConfig(a.v.GetString(config.KeyOutputFormat)); err != nil {
		errs = append(errs, err)
	}
	for _, key := range []string{config.KeyOutputFile, config.KeyMetricsFile} {
		if err := validateOutputDir(a.v.GetString(key)); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", FormatValidationErrors(errs))
	}
	return nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()
	return nil
}

func validateOutputDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("output directory does not exist: %s", dir)
	}
	return nil
}

func (a *app) runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.PipelineConfig(a.v)
	if err != nil {
		return err
	}
	profiles, err := config.LoadProfiles(a.v.GetString(config.KeyProfiles))
	if err != nil {
		return err
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	src, err := a.messageSource(db)
	if err != nil {
		return err
	}

	m := metrics.New()
	deps := pipeline.Dependencies{
		Store:    db,
		Source:   src,
		Resolver: parsers.NewProfileRegistry(a.log, profiles),
		Metrics:  m,
		Logger:   a.log,
	}
	if a.v.GetBool(config.KeyProgress) {
		deps.Observer = pipeline.LogProgress(logger.NewProgressLogger(a.log, progressLogInterval))
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := p.Run(ctx, pipeline.Request{
		ForceResync:  a.v.GetBool(config.KeyForceResync),
		LookbackDays: cfg.LookbackDays,
	})

	// The report is written for failed runs too; it carries the status.
	if err := a.writeReport(cmd, result); err != nil && runErr == nil {
		runErr = err
	}
	if path := a.v.GetString(config.KeyMetricsFile); path != "" {
		if err := m.WriteTextfile(path); err != nil {
			a.log.WithError(err).WithField("path", path).Warn("Failed to write metrics file")
		}
	}
	return runErr
}

func (a *app) messageSource(state store.ScanStateStore) (*source.MessageSource, error) {
	primary, err := source.NewCSVReader(
		config.SourceConfig(a.v.GetString(config.KeyMessages), "sms", models.ChannelSMS), a.log)
	if err != nil {
		return nil, err
	}

	var opts []source.Option
	if rcs := a.v.GetString(config.KeyRCS); rcs != "" {
		secondary, err := source.NewCSVReader(config.SourceConfig(rcs, "rcs", models.ChannelRCS), a.log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, source.WithSecondary(secondary))
	}
	return source.NewMessageSource(primary, state, a.log, opts...), nil
}

func (a *app) writeReport(cmd *cobra.Command, result *pipeline.Result) error {
	reportConfig, err := config.CreateReportConfig(a.v.GetString(config.KeyOutputFormat))
	if err != nil {
		return err
	}
	generator, err := reporter.NewSafeReportGenerator(reportConfig, a.log)
	if err != nil {
		return err
	}

	var output io.Writer = cmd.OutOrStdout()
	if path := a.v.GetString(config.KeyOutputFile); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		output = file
	}

	return generator.GenerateReportSafely(result, output)
}
