package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// lastAcceptedTTL bounds how long the ingest regression guard remembers a subject
const lastAcceptedTTL = 24 * time.Hour

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Client manages Redis connections and operations
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func profileKey(tenantID, subjectID string) string {
	return fmt.Sprintf("profile:%s:%s", tenantID, subjectID)
}

func lastAcceptedKey(tenantID, subjectID string) string {
	return fmt.Sprintf("last:%s:%s", tenantID, subjectID)
}

// getData retrieves data from Redis and unmarshals it into the target.
// Reports false when the key does not exist.
func (c *Client) getData(ctx context.Context, key string, target interface{}, dataType string) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil // Data not found
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s data: %w", dataType, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s data: %w", dataType, err)
	}

	return true, nil
}

// StoreProfile caches a resolved profile of a tenant's subject for ttl
func (c *Client) StoreProfile(ctx context.Context, tenantID string, profile *types.Profile, ttl time.Duration) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if err := c.client.Set(ctx, profileKey(tenantID, profile.SubjectID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}
	return nil
}

// GetProfile returns a cached profile, or nil when none is cached
func (c *Client) GetProfile(ctx context.Context, tenantID, subjectID string) (*types.Profile, error) {
	var profile types.Profile
	found, err := c.getData(ctx, profileKey(tenantID, subjectID), &profile, "profile")
	if err != nil || !found {
		return nil, err
	}
	return &profile, nil
}

// DeleteProfile removes a cached profile
func (c *Client) DeleteProfile(ctx context.Context, tenantID, subjectID string) error {
	return c.client.Del(ctx, profileKey(tenantID, subjectID)).Err()
}

// SetLastAccepted records the timestamp of the newest sample accepted for a subject
func (c *Client) SetLastAccepted(ctx context.Context, tenantID, subjectID string, ts time.Time) error {
	key := lastAcceptedKey(tenantID, subjectID)
	if err := c.client.Set(ctx, key, ts.UTC().Format(time.RFC3339Nano), lastAcceptedTTL).Err(); err != nil {
		return fmt.Errorf("failed to store last accepted timestamp: %w", err)
	}
	return nil
}

// GetLastAccepted returns the newest accepted timestamp of a subject, or the zero time
func (c *Client) GetLastAccepted(ctx context.Context, tenantID, subjectID string) (time.Time, error) {
	val, err := c.client.Get(ctx, lastAcceptedKey(tenantID, subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last accepted timestamp: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last accepted timestamp: %w", err)
	}
	return ts, nil
}
