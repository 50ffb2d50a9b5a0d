package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/internal/store/storetest"
	"ledger-ingestion-service/pkg/logger"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), logger.NewNopLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
