// Package source enumerates raw messages for a scan window.
//
// A MessageSource merges a primary channel (SMS and notification export)
// with an optional best-effort secondary channel (RCS), returns messages in
// ascending timestamp order and persists scan state only after the caller
// confirms the run succeeded.
package source

import (
	"context"

	"ledger-ingestion-service/internal/models"
)

// ChannelReader reads every message of one channel inside a window.
type ChannelReader interface {
	Name() string
	ReadMessages(ctx context.Context, window models.ScanWindow) ([]*models.RawMessage, error)
}

// SliceReader serves messages held in memory.
type SliceReader struct {
	name     string
	messages []*models.RawMessage
	err      error
}

// NewSliceReader creates a reader over msgs
func NewSliceReader(name string, msgs []*models.RawMessage) *SliceReader {
	return &SliceReader{name: name, messages: msgs}
}

// NewFailingReader returns a reader whose every read fails with err.
func NewFailingReader(name string, err error) *SliceReader {
	return &SliceReader{name: name, err: err}
}

func (r *SliceReader) Name() string { return r.name }

func (r *SliceReader) ReadMessages(ctx context.Context, window models.ScanWindow) ([]*models.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]*models.RawMessage, 0, len(r.messages))
	for _, m := range r.messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if window.Contains(m.Timestamp) {
			out = append(out, m)
		}
	}
	return out, nil
}
