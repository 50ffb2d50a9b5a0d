package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-ingestion-service/cmd/ingestor/config"
	"ledger-ingestion-service/internal/reporter"
	"ledger-ingestion-service/internal/store/sqlite"
	"ledger-ingestion-service/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// app is the state shared by the commands of one invocation
type app struct {
	v       *viper.Viper
	cfgFile string
	log     logger.Logger
}

// NewRootCommand builds the command tree with its own viper instance, so
// tests can execute it repeatedly.
func NewRootCommand() *cobra.Command {
	a := &app{v: config.NewViper(), log: logger.NewNopLogger()}

	rootCmd := &cobra.Command{
		Use:   "ingestor",
		Short: "Message to ledger ingestion tool",
		Long: `Ingestor reads bank SMS, RCS and app notification exports, extracts
transactions, removes duplicates caused by multi-path delivery, applies your
rules and keeps an append-only ledger with running account balances.

Examples:
  ingestor scan --db ledger.db --messages sms.csv
  ingestor scan --db ledger.db --messages sms.csv --rcs rcs.csv --output-format json
  ingestor ledger list --db ledger.db
  ingestor generate --output sms.csv --count 10000`,
		Version:           getVersionString(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (optional)")
	flags.BoolP(config.KeyVerbose, "v", false, "verbose output")
	flags.String(config.KeyDB, "ledger.db", "path to the ledger database")
	flags.String(config.KeyLogLevel, "info", "log level: debug, info, warn, error")
	flags.String(config.KeyLogFormat, "text", "log format: text, json")
	flags.StringP(config.KeyOutputFormat, "f", "console", "output format: console, json, csv")

	for _, key := range []string{config.KeyVerbose, config.KeyDB, config.KeyLogLevel, config.KeyLogFormat, config.KeyOutputFormat} {
		_ = a.v.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(
		newScanCommand(a),
		newLedgerCommand(a),
		newBalancesCommand(a),
		newCardsCommand(a),
		newUnrecognizedCommand(a),
		newRulesCommand(a),
		newCategoriesCommand(a),
		newSubscriptionsCommand(a),
		newGenerateCommand(a),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := NewRootCommand()
	err := rootCmd.Execute()
	verbose, _ := rootCmd.PersistentFlags().GetBool(config.KeyVerbose)
	return NewCLIErrorHandler(os.Stderr, verbose).HandleError(err)
}

// initConfig reads the config file and sets up logging
func (a *app) initConfig(cmd *cobra.Command, args []string) error {
	if err := config.ReadConfigFile(a.v, a.cfgFile); err != nil {
		return err
	}

	logCfg, err := config.LoggerConfig(a.v)
	if err != nil {
		return err
	}
	log, err := logger.NewWithWriter(logCfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.log = log
	logger.SetGlobalLogger(log)

	if a.cfgFile != "" {
		a.log.WithField("config", a.v.ConfigFileUsed()).Debug("Using config file")
	}
	return nil
}

func (a *app) openStore() (*sqlite.Store, error) {
	return sqlite.Open(a.v.GetString(config.KeyDB), a.log)
}

func (a *app) reportGenerator() (*reporter.ReportGenerator, error) {
	cfg, err := config.CreateReportConfig(a.v.GetString(config.KeyOutputFormat))
	if err != nil {
		return nil, err
	}
	return reporter.NewReportGenerator(cfg)
}

func (a *app) jsonOutput() bool {
	return a.v.GetString(config.KeyOutputFormat) == string(reporter.FormatJSON)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ingestor %s\n", getVersionString())
			return err
		},
	}
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}

func printf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
