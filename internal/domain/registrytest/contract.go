// Package registrytest holds the behaviour every domain.RegistryStore must share.
// Test use only.
package registrytest

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the registry store contract. newStore must return
// an empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) domain.RegistryStore) {
	t.Helper()
	expiry := time.Date(2022, 10, 11, 17, 25, 39, 0, time.UTC)

	t.Run("put then scan", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, domain.Registration{
			ConnectionID: "1092", MerchantID: "staging.ottu.dev", UserID: "72", ExpirationTime: expiry,
		}))

		regs := ScanAll(t, store, domain.ScanFilter{MerchantID: "staging.ottu.dev", UserID: "72"})
		require.Len(t, regs, 1)
		assert.Equal(t, "1092", regs[0].ConnectionID)
		assert.Equal(t, "staging.ottu.dev", regs[0].MerchantID)
		assert.Equal(t, "72", regs[0].UserID)
		assert.True(t, expiry.Equal(regs[0].ExpirationTime), "expiration %v", regs[0].ExpirationTime)
	})

	t.Run("put overwrites scope", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, domain.Registration{ConnectionID: "1092", MerchantID: "m1", UserID: "72"}))
		require.NoError(t, store.Put(ctx, domain.Registration{ConnectionID: "1092", MerchantID: "m2", UserID: "99"}))

		assert.Empty(t, ScanAll(t, store, domain.ScanFilter{MerchantID: "m1"}))
		assert.Empty(t, ScanAll(t, store, domain.ScanFilter{MerchantID: "m1", UserID: "72"}))
		assert.Equal(t, []string{"1092"}, IDs(ScanAll(t, store, domain.ScanFilter{MerchantID: "m2", UserID: "99"})))
	})

	t.Run("filters by merchant and user", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, reg := range []domain.Registration{
			{ConnectionID: "a", MerchantID: "m1", UserID: "72"},
			{ConnectionID: "b", MerchantID: "m1", UserID: "99"},
			{ConnectionID: "c", MerchantID: "m2", UserID: "72"},
		} {
			require.NoError(t, store.Put(ctx, reg))
		}

		assert.Equal(t, []string{"a", "b"}, IDs(ScanAll(t, store, domain.ScanFilter{MerchantID: "m1"})))
		assert.Equal(t, []string{"a"}, IDs(ScanAll(t, store, domain.ScanFilter{MerchantID: "m1", UserID: "72"})))
		assert.Empty(t, ScanAll(t, store, domain.ScanFilter{MerchantID: "m3"}))
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, domain.Registration{ConnectionID: "1092", MerchantID: "m1", UserID: "72"}))

		require.NoError(t, store.Delete(ctx, "1092"))
		require.NoError(t, store.Delete(ctx, "1092"))
		require.NoError(t, store.Delete(ctx, "never-existed"))

		assert.Empty(t, ScanAll(t, store, domain.ScanFilter{MerchantID: "m1"}))
		assert.Empty(t, ScanAll(t, store, domain.ScanFilter{MerchantID: "m1", UserID: "72"}))
	})

	t.Run("pages through many rows", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const n = 57
		for i := range n {
			require.NoError(t, store.Put(ctx, domain.Registration{
				ConnectionID: fmt.Sprintf("conn-%03d", i), MerchantID: "m1", UserID: "72",
			}))
		}

		regs := ScanAll(t, store, domain.ScanFilter{MerchantID: "m1", UserID: "72", Limit: 10})
		assert.Len(t, unique(IDs(regs)), n)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}

// ScanAll follows continuation cursors until the scan completes.
func ScanAll(t *testing.T, store domain.RegistryStore, filter domain.ScanFilter) []domain.Registration {
	t.Helper()
	var out []domain.Registration
	for range 10000 {
		page, err := store.Scan(context.Background(), filter)
		require.NoError(t, err)
		out = append(out, page.Registrations...)
		if page.Next == "" {
			return out
		}
		filter.Cursor = page.Next
	}
	t.Fatal("scan did not terminate")
	return nil
}

// IDs returns the sorted, de-duplicated connection ids of regs.
func IDs(regs []domain.Registration) []string {
	ids := make([]string, 0, len(regs))
	for _, r := range regs {
		ids = append(ids, r.ConnectionID)
	}
	return unique(ids)
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
