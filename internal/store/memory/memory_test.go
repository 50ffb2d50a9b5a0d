package memory

import (
	"testing"

	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
