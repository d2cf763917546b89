package store_test

import (
	"os"
	"testing"

	"github.com/punchamoorthee/creditops/internal/store"
	"github.com/punchamoorthee/creditops/internal/store/storetest"
	"github.com/stretchr/testify/require"
)

// TestPostgresContract runs against a live database when TEST_DB_SOURCE is set.
// Every case uses fresh user and payment ids, so the database is not truncated.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}

	pg, err := store.NewPostgres(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(t.Context()))

	storetest.TestStoreContract(t, func(t *testing.T) store.Store {
		return pg
	})
}
