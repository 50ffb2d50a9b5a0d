package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// DuplicateGroup is one kept entry and the later entries that repeat it
type DuplicateGroup struct {
	Key        string
	Keep       *models.LedgerEntry
	Duplicates []*models.LedgerEntry
}

// SweepResult summarizes a reconciliation sweep
type SweepResult struct {
	Scanned int
	Groups  []DuplicateGroup
	Removed []int64
}

// accountIndex buckets entries by account, amount and type.
type accountIndex struct {
	buckets map[string][]*models.LedgerEntry
	keys    []string
}

func accountKey(e *models.LedgerEntry) string {
	return fmt.Sprintf("%s|%s|%s|%s", e.BankName, e.AccountLast4, e.Amount.StringFixed(2), e.Type)
}

func newAccountIndex(entries []*models.LedgerEntry) *accountIndex {
	idx := &accountIndex{buckets: make(map[string][]*models.LedgerEntry)}
	for _, e := range entries {
		if e.AccountLast4 == "" {
			continue
		}
		key := accountKey(e)
		if _, ok := idx.buckets[key]; !ok {
			idx.keys = append(idx.keys, key)
		}
		idx.buckets[key] = append(idx.buckets[key], e)
	}
	for _, bucket := range idx.buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
	}
	sort.Strings(idx.keys)
	return idx
}

// FindDuplicates groups entries that repeat an earlier-inserted entry of the
// same account, amount and type within the window. The lowest id is kept.
func (e *Engine) FindDuplicates(entries []*models.LedgerEntry) []DuplicateGroup {
	idx := newAccountIndex(entries)

	var groups []DuplicateGroup
	for _, key := range idx.keys {
		bucket := idx.buckets[key]
		if len(bucket) < 2 {
			continue
		}

		var kept []*DuplicateGroup
		for _, entry := range bucket {
			var owner *DuplicateGroup
			for _, g := range kept {
				if e.config.IsWithinWindow(g.Keep.Timestamp, entry.Timestamp) {
					owner = g
					break
				}
			}
			if owner != nil {
				owner.Duplicates = append(owner.Duplicates, entry)
				continue
			}
			kept = append(kept, &DuplicateGroup{Key: key, Keep: entry})
		}

		for _, g := range kept {
			if len(g.Duplicates) > 0 {
				groups = append(groups, *g)
			}
		}
	}
	return groups
}

// Sweep re-applies the account check across live entries in [from, to] and
// hard-deletes the later copies.
func (e *Engine) Sweep(ctx context.Context, from, to time.Time) (*SweepResult, error) {
	entries, err := e.ledger.FindInRange(ctx, from, to)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "load sweep range", err)
	}

	result := &SweepResult{
		Scanned: len(entries),
		Groups:  e.FindDuplicates(entries),
	}
	for _, g := range result.Groups {
		for _, d := range g.Duplicates {
			result.Removed = append(result.Removed, d.ID)
		}
	}

	if len(result.Removed) > 0 {
		if err := e.ledger.HardDelete(ctx, result.Removed...); err != nil {
			return nil, errors.StorageError(errors.CodeWriteFailed, "remove swept duplicates", err)
		}
	}

	e.logger.WithFields(logger.Fields{
		"scanned": result.Scanned,
		"groups":  len(result.Groups),
		"removed": len(result.Removed),
	}).Info("Reconciliation sweep completed")
	return result, nil
}
