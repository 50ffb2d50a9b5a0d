package pipeline

import (
	"fmt"
	"runtime"
	"time"

	"ledger-ingestion-service/internal/dedup"
	"ledger-ingestion-service/pkg/errors"
)

// Config tunes one ingestion run
type Config struct {
	// Workers is the classifier pool size.
	Workers               int           `json:"workers" mapstructure:"workers"`
	WorkQueueCapacity     int           `json:"work_queue_capacity" mapstructure:"work_queue_capacity"`
	ResultQueueCapacity   int           `json:"result_queue_capacity" mapstructure:"result_queue_capacity"`
	UnrecognizedBatchSize int           `json:"unrecognized_batch_size" mapstructure:"unrecognized_batch_size"`
	RecentWindow          time.Duration `json:"recent_window" mapstructure:"recent_window"`
	DedupWindow           time.Duration `json:"dedup_window" mapstructure:"dedup_window"`
	MatchDeletedFallbacks bool          `json:"match_deleted_fallbacks" mapstructure:"match_deleted_fallbacks"`
	ETAWindow             time.Duration `json:"eta_window" mapstructure:"eta_window"`
	ProgressItemInterval  int           `json:"progress_item_interval" mapstructure:"progress_item_interval"`
	ProgressInterval      time.Duration `json:"progress_interval" mapstructure:"progress_interval"`
	LookbackDays          int           `json:"lookback_days" mapstructure:"lookback_days"`
	UnrecognizedRetention time.Duration `json:"unrecognized_retention" mapstructure:"unrecognized_retention"`
	UnrecognizedMaxRows   int           `json:"unrecognized_max_rows" mapstructure:"unrecognized_max_rows"`
}

// DefaultWorkers leaves one CPU for the feeder and the saver.
func DefaultWorkers() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// DefaultConfig returns the production defaults
func DefaultConfig() *Config {
	return &Config{
		Workers:               DefaultWorkers(),
		WorkQueueCapacity:     256,
		ResultQueueCapacity:   256,
		UnrecognizedBatchSize: 50,
		RecentWindow:          30 * 24 * time.Hour,
		DedupWindow:           dedup.DefaultWindow,
		MatchDeletedFallbacks: true,
		ETAWindow:             5 * time.Second,
		ProgressItemInterval:  100,
		ProgressInterval:      time.Second,
		LookbackDays:          365,
		UnrecognizedRetention: 90 * 24 * time.Hour,
		UnrecognizedMaxRows:   1000,
	}
}

// Validate checks every setting. LookbackDays may be anything: <= 0 means all time.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"workers", c.Workers},
		{"work_queue_capacity", c.WorkQueueCapacity},
		{"result_queue_capacity", c.ResultQueueCapacity},
		{"unrecognized_batch_size", c.UnrecognizedBatchSize},
		{"progress_item_interval", c.ProgressItemInterval},
		{"unrecognized_max_rows", c.UnrecognizedMaxRows},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.ConfigurationError(errors.CodeInvalidConfig, p.name, p.value,
				fmt.Errorf("%s must be positive", p.name))
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"recent_window", c.RecentWindow},
		{"eta_window", c.ETAWindow},
		{"progress_interval", c.ProgressInterval},
		{"unrecognized_retention", c.UnrecognizedRetention},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return errors.ConfigurationError(errors.CodeInvalidConfig, d.name, d.value,
				fmt.Errorf("%s must be positive", d.name))
		}
	}

	if err := c.DedupConfig().Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "dedup_window", c.DedupWindow, err)
	}
	return nil
}

// DedupConfig derives the duplicate-detection settings
func (c *Config) DedupConfig() *dedup.Config {
	return &dedup.Config{
		Window:                c.DedupWindow,
		MatchDeletedFallbacks: c.MatchDeletedFallbacks,
	}
}
