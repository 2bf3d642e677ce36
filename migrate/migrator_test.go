package migrate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)
	return client
}

func testMigrator(client *redis.Client) *Migrator {
	return NewMigrator(MigratorOptions{
		Client: client,
		Schema: userSchema(),
	})
}

func TestGetMigratedUpgradesLegacyValue(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "users:1", `{"name":"khope"}`, time.Minute).Err())

	m := testMigrator(client)
	data, err := m.GetMigrated(ctx, "users:1")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "khope", doc["username"])
	assert.NotContains(t, doc, "name")
	assert.Equal(t, float64(2), doc["_schemaVersion"])

	// The rewrite is persisted and preserves the TTL.
	stored, err := client.Get(ctx, "users:1").Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(stored))
	ttl := client.TTL(ctx, "users:1").Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	assert.Equal(t, int64(1), m.Stats().Migrated)
}

func TestGetMigratedKeepsNoExpiryKeyExpiryFree(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "users:pinned", `{"name":"a"}`, 0).Err())

	m := NewMigrator(MigratorOptions{
		Client:     client,
		Schema:     userSchema(),
		DefaultTTL: time.Hour, // must not leak into the rewrite
	})

	data, err := m.GetMigrated(ctx, "users:pinned")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "a", doc["username"])

	// TTL reports -1 for a key without expiry; the rewrite must not add one.
	ttl := client.TTL(ctx, "users:pinned").Val()
	assert.Equal(t, time.Duration(-1), ttl)
}

func TestGetMigratedCurrentValueUntouched(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	current := `{"_schemaVersion":2,"username":"a","email":"a@example.com"}`
	require.NoError(t, client.Set(ctx, "users:2", current, time.Minute).Err())

	m := testMigrator(client)
	data, err := m.GetMigrated(ctx, "users:2")
	require.NoError(t, err)
	assert.JSONEq(t, current, string(data))
	assert.Equal(t, int64(1), m.Stats().AlreadyCurrent)
	assert.Equal(t, int64(0), m.Stats().Migrated)
}

func TestGetMigratedMissingKey(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	m := testMigrator(client)
	_, err := m.GetMigrated(context.Background(), "users:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMigratedMalformedValue(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "users:bad", "not json", time.Minute).Err())

	m := testMigrator(client)
	data, err := m.GetMigrated(ctx, "users:bad")
	assert.ErrorIs(t, err, ErrMalformedValue)
	// The raw bytes still come back, and the stored value is untouched.
	assert.Equal(t, "not json", string(data))
	stored, _ := client.Get(ctx, "users:bad").Result()
	assert.Equal(t, "not json", stored)
	assert.Equal(t, int64(1), m.Stats().Errors)
}

func TestGetMigratedIdempotent(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "users:3", `{"name":"a"}`, time.Minute).Err())

	m := testMigrator(client)
	first, err := m.GetMigrated(ctx, "users:3")
	require.NoError(t, err)
	second, err := m.GetMigrated(ctx, "users:3")
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, int64(1), m.Stats().Migrated)
	assert.Equal(t, int64(1), m.Stats().AlreadyCurrent)
}

func TestSaveCurrentStampsVersion(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	m := testMigrator(client)

	require.NoError(t, m.SaveCurrent(ctx, "users:4", map[string]any{"username": "b"}, time.Minute))

	stored, err := client.Get(ctx, "users:4").Bytes()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored, &doc))
	assert.Equal(t, float64(2), doc["_schemaVersion"])

	// New writes never add to the legacy backlog.
	_, err = m.GetMigrated(ctx, "users:4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Stats().Migrated)
}

func TestResetStats(t *testing.T) {
	client := setupRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	client.Set(ctx, "users:5", `{"name":"a"}`, time.Minute)

	m := testMigrator(client)
	m.GetMigrated(ctx, "users:5")
	require.NotZero(t, m.Stats().Migrated)

	m.ResetStats()
	assert.Equal(t, Stats{}, m.Stats())
}
