package coordcache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khope/coordcache/migrate"
	"github.com/khope/coordcache/store"
)

func flushTestDB(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	client.FlushDB(ctx)
}

func testConfig(nodeID string) Config {
	cfg := DefaultConfig()
	cfg.NodeID = nodeID
	cfg.RedisDB = 1
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	c, err := New(cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return c
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.RedisAddrs) != 1 || cfg.RedisAddrs[0] != "localhost:6379" {
		t.Errorf("Expected RedisAddrs [localhost:6379], got %v", cfg.RedisAddrs)
	}
	if cfg.InvalidationChannel != "cache:invalidate" {
		t.Errorf("Expected InvalidationChannel 'cache:invalidate', got %s", cfg.InvalidationChannel)
	}
	if cfg.SerializationFormat != "json" {
		t.Errorf("Expected SerializationFormat 'json', got %s", cfg.SerializationFormat)
	}
	if cfg.ContextTimeout != 5*time.Second {
		t.Errorf("Expected ContextTimeout 5s, got %v", cfg.ContextTimeout)
	}
	if cfg.DefaultTTL != time.Hour {
		t.Errorf("Expected DefaultTTL 1h, got %v", cfg.DefaultTTL)
	}
	if cfg.JitterFraction != 0.1 {
		t.Errorf("Expected JitterFraction 0.1, got %v", cfg.JitterFraction)
	}
	if cfg.VirtualNodes != 100 {
		t.Errorf("Expected VirtualNodes 100, got %d", cfg.VirtualNodes)
	}
	if cfg.LockWaitTimeout != 5*time.Second {
		t.Errorf("Expected LockWaitTimeout 5s, got %v", cfg.LockWaitTimeout)
	}
	if cfg.LockHoldTTL != 10*time.Second {
		t.Errorf("Expected LockHoldTTL 10s, got %v", cfg.LockHoldTTL)
	}
	if cfg.PendingWritesKey != "pending-db-updates" {
		t.Errorf("Expected PendingWritesKey 'pending-db-updates', got %s", cfg.PendingWritesKey)
	}
}

func TestNew(t *testing.T) {
	flushTestDB(t)

	c := newTestCoordinator(t, testConfig("test-node"))
	defer c.Close()

	if c.NodeID() != "test-node" {
		t.Fatalf("Expected node id 'test-node', got %s", c.NodeID())
	}
}

func TestNewGeneratesNodeID(t *testing.T) {
	flushTestDB(t)

	cfg := testConfig("")
	c := newTestCoordinator(t, cfg)
	defer c.Close()

	if c.NodeID() == "" {
		t.Fatal("Empty NodeID should be replaced with a generated one")
	}
}

func TestCoordinatorPutGetEvict(t *testing.T) {
	flushTestDB(t)

	c := newTestCoordinator(t, testConfig("test-ops"))
	defer c.Close()

	ctx := context.Background()
	if err := c.Put(ctx, "users", "1", "value"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, err := c.GetOrLoad(ctx, "users", "1", nil)
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if v != "value" {
		t.Fatalf("Expected 'value', got %v", v)
	}

	c.Evict(ctx, "users", "1")
	if _, err := c.GetOrLoad(ctx, "users", "1", nil); err != ErrNotFound {
		t.Fatalf("Expected ErrNotFound after evict, got %v", err)
	}
}

func TestCoordinatorLoaderRunsOnMiss(t *testing.T) {
	flushTestDB(t)

	c := newTestCoordinator(t, testConfig("test-loader"))
	defer c.Close()

	ctx := context.Background()
	loads := 0
	loader := func(ctx context.Context) (any, error) {
		loads++
		return "loaded", nil
	}

	v, err := c.GetOrLoad(ctx, "users", "7", loader)
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if v != "loaded" || loads != 1 {
		t.Fatalf("Expected one load, got %v / %d", v, loads)
	}

	if _, err := c.GetOrLoad(ctx, "users", "7", loader); err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if loads != 1 {
		t.Fatalf("Second read should hit the cache, got %d loads", loads)
	}
}

func TestCoordinatorCrossNodeInvalidation(t *testing.T) {
	flushTestDB(t)

	c1 := newTestCoordinator(t, testConfig("node-1"))
	defer c1.Close()
	c2 := newTestCoordinator(t, testConfig("node-2"))
	defer c2.Close()

	time.Sleep(100 * time.Millisecond) // let subscriptions settle

	ctx := context.Background()
	if err := c1.Put(ctx, "users", "1", "v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// node-2 reads through L2 and caches locally.
	if v, err := c2.GetOrLoad(ctx, "users", "1", nil); err != nil || v != "v1" {
		t.Fatalf("Expected 'v1' on node-2, got %v, %v", v, err)
	}

	// node-1 updates: the broadcast must drop node-2's L1 copy.
	if err := c1.Put(ctx, "users", "1", "v2"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		v, err := c2.GetOrLoad(ctx, "users", "1", nil)
		if err != nil {
			t.Fatalf("GetOrLoad failed: %v", err)
		}
		if v == "v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node-2 still serves stale value %v", v)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if c2.Stats().Invalidations == 0 {
		t.Fatal("node-2 should have processed an invalidation")
	}
}

func TestCoordinatorWriteBehind(t *testing.T) {
	flushTestDB(t)

	db := store.NewMemory()
	cfg := testConfig("test-wb")
	cfg.Store = db
	cfg.WriteBehindInterval = 100 * time.Millisecond

	c := newTestCoordinator(t, cfg)
	defer c.Close()
	c.Start()

	ctx := context.Background()
	if err := c.Put(ctx, "users", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for db.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Write-behind flush did not persist the record")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if _, found, _ := db.FindByID(ctx, "users:1"); !found {
		t.Fatal("Record should be persisted under its full cache key")
	}

	pendingDeadline := time.Now().Add(3 * time.Second)
	for {
		n, err := c.PendingWrites(ctx)
		if err != nil {
			t.Fatalf("PendingWrites failed: %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(pendingDeadline) {
			t.Fatalf("Pending set should drain, still %d", n)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if c.WriteBehindStats().Flushed == 0 {
		t.Fatal("Flush counter should advance")
	}
}

func TestCoordinatorGetMigrated(t *testing.T) {
	flushTestDB(t)

	seed := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	defer seed.Close()
	ctx := context.Background()
	if err := seed.Set(ctx, "users:legacy", `{"name":"khope"}`, time.Minute).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	cfg := testConfig("test-migrate")
	cfg.MigrationSchema = &migrate.Schema{
		VersionField:   "_schemaVersion",
		CurrentVersion: 2,
		Renames:        []migrate.RenameRule{{From: "name", To: "username"}},
	}

	c := newTestCoordinator(t, cfg)
	defer c.Close()

	data, err := c.GetMigrated(ctx, "users:legacy")
	if err != nil {
		t.Fatalf("GetMigrated failed: %v", err)
	}
	if string(data) == `{"name":"khope"}` {
		t.Fatal("Value should have been migrated")
	}
	if c.MigrationStats().Migrated != 1 {
		t.Fatalf("Expected 1 migration, got %+v", c.MigrationStats())
	}
}

func TestCoordinatorGetOrLoadMigratesLegacyValue(t *testing.T) {
	flushTestDB(t)

	seed := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	defer seed.Close()
	ctx := context.Background()
	if err := seed.Set(ctx, "users:42", `{"name":"khope"}`, time.Minute).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	cfg := testConfig("test-read-migrate")
	cfg.MigrationSchema = &migrate.Schema{
		VersionField:   "_schemaVersion",
		CurrentVersion: 2,
		Renames:        []migrate.RenameRule{{From: "name", To: "username"}},
	}

	c := newTestCoordinator(t, cfg)
	defer c.Close()

	// The ordinary read path upgrades the legacy value before serving it.
	v, err := c.GetOrLoad(ctx, "users", "42", nil)
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("Expected a document, got %T", v)
	}
	if doc["username"] != "khope" {
		t.Fatalf("Expected the renamed field, got %v", doc)
	}
	if _, legacy := doc["name"]; legacy {
		t.Fatal("The deprecated field must not be served")
	}
	if c.MigrationStats().Migrated != 1 {
		t.Fatalf("Expected 1 lazy migration, got %+v", c.MigrationStats())
	}

	// The rewrite is persisted: the stored copy is current too.
	stored, err := seed.Get(ctx, "users:42").Bytes()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var storedDoc map[string]any
	if err := json.Unmarshal(stored, &storedDoc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if storedDoc["username"] != "khope" {
		t.Fatalf("Stored value should be migrated, got %v", storedDoc)
	}

	// A repeat read is an L1 hit of the migrated shape.
	v, err = c.GetOrLoad(ctx, "users", "42", nil)
	if err != nil {
		t.Fatalf("GetOrLoad failed: %v", err)
	}
	if doc := v.(map[string]any); doc["username"] != "khope" {
		t.Fatalf("L1 copy should be migrated, got %v", doc)
	}
	if c.MigrationStats().Migrated != 1 {
		t.Fatalf("Repeat read should not migrate again, got %+v", c.MigrationStats())
	}
}

func TestGetMigratedWithoutSchema(t *testing.T) {
	flushTestDB(t)

	c := newTestCoordinator(t, testConfig("test-noschema"))
	defer c.Close()

	if _, err := c.GetMigrated(context.Background(), "any"); err != ErrInvalidConfig {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestCoordinatorCloseTwice(t *testing.T) {
	flushTestDB(t)

	c := newTestCoordinator(t, testConfig("test-close"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Second Close should be a no-op, got %v", err)
	}
}

func TestVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	if info.Version != Version {
		t.Fatalf("Expected version %s, got %s", Version, info.Version)
	}
}
