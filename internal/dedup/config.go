// Package dedup decides whether a transaction candidate is already in the
// ledger, and sweeps near-duplicates out of a range after a batch.
//
// Candidates are checked by three strategies in order, stopping at the first
// hit:
//  1. content hash
//  2. payment reference + amount within the window
//  3. account last-4 + amount + type within the window
//
// Example usage:
//
//	engine := dedup.NewEngine(ledger, dedup.DefaultConfig(), log)
//	result, err := engine.Check(ctx, candidate)
//	if result.Duplicate {
//		// skip
//	}
package dedup

import (
	"fmt"
	"time"
)

// DefaultWindow is the redelivery lag tolerated by strategies 2 and 3.
const DefaultWindow = 10 * time.Minute

// Config holds dedup settings
type Config struct {
	// Window is the half-width of the symmetric, inclusive match interval.
	Window time.Duration `json:"window" mapstructure:"window"`
	// MatchDeletedFallbacks makes reference and account matches against
	// soft-deleted entries count as duplicates too.
	MatchDeletedFallbacks bool `json:"match_deleted_fallbacks" mapstructure:"match_deleted_fallbacks"`
}

// DefaultConfig returns the standard 10 minute window
func DefaultConfig() *Config {
	return &Config{
		Window:                DefaultWindow,
		MatchDeletedFallbacks: true,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("dedup window must be positive, got %s", c.Window)
	}
	if c.Window > 24*time.Hour {
		return fmt.Errorf("dedup window cannot exceed 24h, got %s", c.Window)
	}
	return nil
}

// Bounds returns [t-Window, t+Window]
func (c *Config) Bounds(t time.Time) (time.Time, time.Time) {
	return t.Add(-c.Window), t.Add(c.Window)
}

// IsWithinWindow reports whether a and b are at most Window apart
func (c *Config) IsWithinWindow(a, b time.Time) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= c.Window
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("DedupConfig{Window: %s, MatchDeletedFallbacks: %t}", c.Window, c.MatchDeletedFallbacks)
}
