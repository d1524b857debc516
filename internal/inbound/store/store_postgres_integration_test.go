//go:build integration

package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"syncbridge/internal/inbound"
	"syncbridge/internal/inbound/models"
	"syncbridge/internal/inbound/store"
	"syncbridge/pkg/platform/sentinel"
	"syncbridge/pkg/testutil/containers"
)

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	suite.Run(t, &contractSuite{newStore: func() inbound.Store {
		require.NoError(t, pg.TruncateTables(context.Background(), "webhook_processing"))
		return store.NewPostgres(pg.DB)
	}})
}

// TestConcurrentCreate verifies that exactly one of many concurrent inserts
// for the same webhook id wins.
func TestConcurrentCreate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	pg := containers.GetManager().GetPostgres(t)
	require.NoError(t, pg.TruncateTables(ctx, "webhook_processing"))
	st := store.NewPostgres(pg.DB)

	const workers = 20
	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	now := time.Now()
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Create(ctx, &models.Record{
				WebhookID: "same",
				GlobalID:  "g",
				SchemaID:  "s",
				Status:    models.StatusProcessing,
				Attempts:  1,
				CreatedAt: now,
				UpdatedAt: now,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case err == sentinel.ErrAlreadyUsed:
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(workers-1), dups.Load())
}
