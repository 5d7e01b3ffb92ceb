package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// mockRedis is an in-memory RedisClientInterface
type mockRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failErr error
	closed  bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", m.failErr)
}

func (m *mockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return redis.NewStatusResult("", m.failErr)
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	default:
		return redis.NewStatusResult("", errors.New("unsupported value type"))
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return redis.NewStringResult("", m.failErr)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *mockRedis) Close() error {
	m.closed = true
	return nil
}

func TestNew_InvalidAddress(t *testing.T) {
	client, err := New("127.0.0.1:1")
	if err == nil {
		t.Error("New() should fail with unreachable address")
		client.Close()
		return
	}

	if client != nil {
		t.Error("New() should return nil client on error")
	}
}

func TestClient_Close(t *testing.T) {
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on an unconnected client should be a no-op, got %v", err)
	}

	mock := newMockRedis()
	if err := NewWithClient(mock).Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if !mock.closed {
		t.Error("Close() should close the underlying client")
	}
}

func TestClient_Profile(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	ctx := context.Background()

	profile := &types.Profile{SubjectID: "s1", DisplayName: "Alice", AvatarRef: "avatars/s1.png"}
	if err := client.StoreProfile(ctx, "acme", profile, 15*time.Minute); err != nil {
		t.Fatalf("StoreProfile() failed: %v", err)
	}
	if mock.ttls["profile:acme:s1"] != 15*time.Minute {
		t.Errorf("Expected 15m TTL, got %s", mock.ttls["profile:acme:s1"])
	}

	got, err := client.GetProfile(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("GetProfile() failed: %v", err)
	}
	if got == nil || *got != *profile {
		t.Errorf("GetProfile() = %+v, want %+v", got, profile)
	}

	missing, err := client.GetProfile(ctx, "acme", "nobody")
	if err != nil {
		t.Fatalf("GetProfile() should not fail for a missing profile: %v", err)
	}
	if missing != nil {
		t.Error("GetProfile() should return nil for a missing profile")
	}

	if err := client.DeleteProfile(ctx, "acme", "s1"); err != nil {
		t.Fatalf("DeleteProfile() failed: %v", err)
	}
	if got, _ := client.GetProfile(ctx, "acme", "s1"); got != nil {
		t.Error("Profile should be gone after DeleteProfile()")
	}
}

func TestClient_GetProfile_InvalidJSON(t *testing.T) {
	mock := newMockRedis()
	mock.data["profile:acme:s1"] = "{not json"
	client := NewWithClient(mock)

	if _, err := client.GetProfile(context.Background(), "acme", "s1"); err == nil {
		t.Error("GetProfile() should fail on invalid JSON")
	}
}

func TestClient_ProfilesAreTenantScoped(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	ctx := context.Background()

	if err := client.StoreProfile(ctx, "acme", &types.Profile{SubjectID: "s1", DisplayName: "Alice"}, time.Minute); err != nil {
		t.Fatalf("StoreProfile() failed: %v", err)
	}
	if err := client.StoreProfile(ctx, "globex", &types.Profile{SubjectID: "s1", DisplayName: "Bob"}, time.Minute); err != nil {
		t.Fatalf("StoreProfile() failed: %v", err)
	}

	tests := []struct {
		tenant string
		want   string
	}{
		{"acme", "Alice"},
		{"globex", "Bob"},
	}
	for _, tt := range tests {
		got, err := client.GetProfile(ctx, tt.tenant, "s1")
		if err != nil || got == nil {
			t.Fatalf("GetProfile(%s) = %+v, %v", tt.tenant, got, err)
		}
		if got.DisplayName != tt.want {
			t.Errorf("GetProfile(%s) = %q, want %q", tt.tenant, got.DisplayName, tt.want)
		}
	}

	if got, _ := client.GetProfile(ctx, "initech", "s1"); got != nil {
		t.Errorf("Expected no profile for another tenant, got %+v", got)
	}
}

func TestClient_LastAccepted(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	ctx := context.Background()

	zero, err := client.GetLastAccepted(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("GetLastAccepted() failed: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("Expected zero time before any sample, got %v", zero)
	}

	ts := time.Date(2024, 5, 1, 9, 0, 0, 123456789, time.FixedZone("BRT", -3*3600))
	if err := client.SetLastAccepted(ctx, "acme", "s1", ts); err != nil {
		t.Fatalf("SetLastAccepted() failed: %v", err)
	}

	got, err := client.GetLastAccepted(ctx, "acme", "s1")
	if err != nil {
		t.Fatalf("GetLastAccepted() failed: %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("GetLastAccepted() = %v, want %v", got, ts)
	}

	other, _ := client.GetLastAccepted(ctx, "globex", "s1")
	if !other.IsZero() {
		t.Error("Timestamps must be scoped per tenant")
	}
}

func TestClient_Errors(t *testing.T) {
	mock := newMockRedis()
	mock.failErr = errors.New("connection reset")
	client := NewWithClient(mock)
	ctx := context.Background()

	if err := client.StoreProfile(ctx, "acme", &types.Profile{SubjectID: "s1"}, time.Minute); err == nil {
		t.Error("StoreProfile() should surface Redis errors")
	}
	if _, err := client.GetProfile(ctx, "acme", "s1"); err == nil {
		t.Error("GetProfile() should surface Redis errors")
	}
	if err := client.SetLastAccepted(ctx, "acme", "s1", time.Now()); err == nil {
		t.Error("SetLastAccepted() should surface Redis errors")
	}
	if _, err := client.GetLastAccepted(ctx, "acme", "s1"); err == nil {
		t.Error("GetLastAccepted() should surface Redis errors")
	}
}
