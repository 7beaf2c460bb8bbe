package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupCacheTest(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestClient_GetSet(t *testing.T) {
	client, _ := setupCacheTest(t)
	ctx := context.Background()

	if err := client.Set(ctx, SchemaKey("acme"), "tenant_acme", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, ok, err := client.Get(ctx, SchemaKey("acme"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if val != "tenant_acme" {
		t.Errorf("Expected tenant_acme, got %q", val)
	}
}

func TestClient_MissIsNotError(t *testing.T) {
	client, _ := setupCacheTest(t)

	_, ok, err := client.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get on missing key errored: %v", err)
	}
	if ok {
		t.Error("Expected miss for absent key")
	}
}

func TestClient_TTLExpiry(t *testing.T) {
	client, mr := setupCacheTest(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "v", 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(31 * time.Second)

	_, ok, err := client.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected entry to expire after TTL")
	}
}

func TestClient_JSONRoundTrip(t *testing.T) {
	client, _ := setupCacheTest(t)
	ctx := context.Background()

	in := []string{"tenant:users:read", "global:billing:read"}
	if err := client.SetJSON(ctx, PermsKey("tenant_acme", "u1"), in, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var out []string
	ok, err := client.GetJSON(ctx, PermsKey("tenant_acme", "u1"), &out)
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected hit")
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("Round trip mismatch: %v", out)
	}
}

func TestClient_CorruptJSONTreatedAsMiss(t *testing.T) {
	client, mr := setupCacheTest(t)
	ctx := context.Background()

	mr.Set(PermsKey("tenant_acme", "u1"), "{not json")

	var out []string
	ok, err := client.GetJSON(ctx, PermsKey("tenant_acme", "u1"), &out)
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if ok {
		t.Error("Corrupt entry must read as a miss")
	}
	if mr.Exists(PermsKey("tenant_acme", "u1")) {
		t.Error("Corrupt entry should be deleted")
	}
}

func TestClient_Delete(t *testing.T) {
	client, mr := setupCacheTest(t)
	ctx := context.Background()

	mr.Set("a", "1")
	mr.Set("b", "2")

	if err := client.Delete(ctx, "a", "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mr.Exists("a") || mr.Exists("b") {
		t.Error("Expected both keys deleted")
	}
}

func TestClient_DeletePattern(t *testing.T) {
	client, mr := setupCacheTest(t)
	ctx := context.Background()

	mr.Set(UserKey("tenant_acme", "u1"), "x")
	mr.Set(UserKey("tenant_acme", "u2"), "y")
	mr.Set(UserKey("tenant_globex", "u1"), "z")

	if err := client.DeletePattern(ctx, "user:tenant_acme:*"); err != nil {
		t.Fatalf("DeletePattern failed: %v", err)
	}

	if mr.Exists(UserKey("tenant_acme", "u1")) || mr.Exists(UserKey("tenant_acme", "u2")) {
		t.Error("Expected acme namespace cleared")
	}
	if !mr.Exists(UserKey("tenant_globex", "u1")) {
		t.Error("Other tenant namespaces must be untouched")
	}
}

func TestKeys_Namespacing(t *testing.T) {
	if UserKey("tenant_acme", "u1") == UserKey("tenant_globex", "u1") {
		t.Error("User keys must differ across schemas")
	}
	if got := PermsKey("tenant_acme", "u1"); got != "perms:tenant_acme:u1" {
		t.Errorf("Unexpected perms key format: %s", got)
	}
	if got := SchemaKey("t-123"); got != "schema:t-123" {
		t.Errorf("Unexpected schema key format: %s", got)
	}
}
