// Package config turns CLI flags, environment variables and an optional
// config file into the settings of the internal packages.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/parsers"
	"ledger-ingestion-service/internal/pipeline"
	"ledger-ingestion-service/internal/reporter"
	"ledger-ingestion-service/internal/source"
	"ledger-ingestion-service/pkg/logger"
)

// EnvPrefix namespaces environment overrides, e.g. INGESTOR_DB.
const EnvPrefix = "INGESTOR"

// Viper keys shared by the commands
const (
	KeyDB           = "db"
	KeyVerbose      = "verbose"
	KeyLogLevel     = "log-level"
	KeyLogFormat    = "log-format"
	KeyOutputFormat = "output-format"
	KeyMessages     = "messages"
	KeyRCS          = "rcs"
	KeyLookbackDays = "lookback-days"
	KeyForceResync  = "force-resync"
	KeyWorkers      = "workers"
	KeyProfiles     = "profiles"
	KeyProgress     = "progress"
	KeyOutputFile   = "output-file"
	KeyMetricsFile  = "metrics-file"

	// pipelineSection holds pipeline.Config fields in a config file.
	pipelineSection = "pipeline"
)

// ValidFormats lists the accepted --output-format values
var ValidFormats = []string{string(reporter.FormatConsole), string(reporter.FormatJSON), string(reporter.FormatCSV)}

// NewViper returns a viper instance reading INGESTOR_* variables, with
// dashes in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile loads path into v when path is set
func ReadConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return nil
}

// PipelineConfig builds the run configuration: defaults, then the
// "pipeline" section of the config file, then flag and env overrides.
func PipelineConfig(v *viper.Viper) (*pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if v.IsSet(pipelineSection) {
		if err := v.UnmarshalKey(pipelineSection, cfg); err != nil {
			return nil, fmt.Errorf("invalid pipeline section: %w", err)
		}
	}

	if v.IsSet(KeyWorkers) {
		if workers := v.GetInt(KeyWorkers); workers > 0 {
			cfg.Workers = workers
		}
	}
	if v.IsSet(KeyLookbackDays) {
		cfg.LookbackDays = v.GetInt(KeyLookbackDays)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoggerConfig selects level and format; --verbose forces debug.
func LoggerConfig(v *viper.Viper) (*logger.Config, error) {
	cfg := logger.DefaultConfig()
	if level := v.GetString(KeyLogLevel); level != "" {
		cfg.Level = logger.Level(strings.ToLower(level))
	}
	if format := v.GetString(KeyLogFormat); format != "" {
		cfg.Format = logger.Format(strings.ToLower(format))
	}
	if v.GetBool(KeyVerbose) {
		cfg.Level = logger.DebugLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SourceConfig configures a message export reader for one channel
func SourceConfig(path, name string, channel models.Channel) *source.CSVConfig {
	cfg := source.DefaultCSVConfig(path)
	cfg.Name = name
	cfg.DefaultChannel = channel
	return cfg
}

// LoadProfiles reads bank profiles from path, or returns the built-in table
// when path is empty.
func LoadProfiles(path string) ([]*parsers.BankProfile, error) {
	if path == "" {
		return parsers.DefaultProfiles(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bank profiles: %w", err)
	}
	defer f.Close()

	profiles, err := parsers.LoadProfiles(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

// CreateReportConfig creates a report configuration for the output format
func CreateReportConfig(format string) (*reporter.ReportConfig, error) {
	cfg := reporter.DefaultReportConfig()
	cfg.Format = reporter.OutputFormat(strings.ToLower(format))

	switch cfg.Format {
	case reporter.FormatJSON:
		cfg.MaxItems = 0
	case reporter.FormatCSV:
		cfg.MaxItems = 0
		cfg.IncludeDuplicates = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output format '%s'. Valid formats: %s", format, strings.Join(ValidFormats, ", "))
	}
	return cfg, nil
}
