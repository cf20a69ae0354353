package redis

import (
	"context"
	"testing"
	"time"

	"github.com/maddy1092/ottu-ws/internal/domain"
	"github.com/maddy1092/ottu-ws/internal/domain/registrytest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryStore_Contract(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) domain.RegistryStore {
		client, _ := setupTestClient(t)
		return NewRegistryStore(client, "OttuWsNotify")
	})
}

func TestRegistryStore_Keys(t *testing.T) {
	client, _ := setupTestClient(t)
	store := NewRegistryStore(client, "OttuWsNotify")
	ctx := context.Background()

	expiry := time.Date(2022, 10, 11, 17, 25, 39, 0, time.UTC)
	require.NoError(t, store.Put(ctx, domain.Registration{
		ConnectionID: "1092", MerchantID: "staging.ottu.dev", UserID: "72", ExpirationTime: expiry,
	}))

	fields, err := client.HGetAll(ctx, "OttuWsNotify:registration:1092").Result()
	require.NoError(t, err)
	assert.Equal(t, "staging.ottu.dev", fields["merchant_id"])
	assert.Equal(t, "72", fields["user_id"])
	assert.Equal(t, "2022-10-11T17:25:39Z", fields["expiration_time"])

	members, err := client.SMembers(ctx, "OttuWsNotify:merchant:staging.ottu.dev:user:72").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"1092"}, members)

	require.NoError(t, store.Delete(ctx, "1092"))
	exists, err := client.Exists(ctx,
		"OttuWsNotify:registration:1092",
		"OttuWsNotify:merchant:staging.ottu.dev",
		"OttuWsNotify:merchant:staging.ottu.dev:user:72",
	).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRegistryStore_NamespacesAreIsolated(t *testing.T) {
	client, _ := setupTestClient(t)
	a := NewRegistryStore(client, "tenant-a")
	b := NewRegistryStore(client, "tenant-b")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, domain.Registration{ConnectionID: "1092", MerchantID: "m1", UserID: "72"}))

	assert.Len(t, registrytest.ScanAll(t, a, domain.ScanFilter{MerchantID: "m1"}), 1)
	assert.Empty(t, registrytest.ScanAll(t, b, domain.ScanFilter{MerchantID: "m1"}))
}

func TestRegistryStore_PrunesStaleIndexMembers(t *testing.T) {
	client, _ := setupTestClient(t)
	store := NewRegistryStore(client, "OttuWsNotify")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, domain.Registration{ConnectionID: "live", MerchantID: "m1", UserID: "72"}))
	require.NoError(t, client.SAdd(ctx, "OttuWsNotify:merchant:m1", "ghost").Err())

	regs := registrytest.ScanAll(t, store, domain.ScanFilter{MerchantID: "m1"})
	assert.Equal(t, []string{"live"}, registrytest.IDs(regs))

	isMember, err := client.SIsMember(ctx, "OttuWsNotify:merchant:m1", "ghost").Result()
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestRegistryStore_InvalidCursor(t *testing.T) {
	client, _ := setupTestClient(t)
	store := NewRegistryStore(client, "OttuWsNotify")

	_, err := store.Scan(context.Background(), domain.ScanFilter{MerchantID: "m1", Cursor: "not-a-number"})
	var storeErr *domain.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "scan", storeErr.Op)
}

func TestRegistryStore_StoreErrorAfterClose(t *testing.T) {
	client, _ := setupTestClient(t)
	store := NewRegistryStore(client, "OttuWsNotify")
	require.NoError(t, client.Close())

	err := store.Put(context.Background(), domain.Registration{ConnectionID: "1092", MerchantID: "m1", UserID: "72"})
	var storeErr *domain.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "put", storeErr.Op)
	assert.Contains(t, err.Error(), "registry store put")
}

func TestMetricsHook_RecordsCommands(t *testing.T) {
	client, m := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	_, err := client.Get(ctx, "missing").Result()
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("redis", "set", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpsTotal.WithLabelValues("redis", "get", "success")))
	assert.Zero(t, testutil.ToFloat64(m.OpsTotal.WithLabelValues("redis", "get", "error")))
}
