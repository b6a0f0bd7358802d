// Package attributes provides attribute/segment provider implementations
// behind protocol.AttributeProvider.
package attributes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowmail/journey/pkg/protocol"
)

const defaultPrefix = "journey:customer"

// RedisProvider reads customer profiles from redis hashes maintained by
// the dashboard's sync pipeline. Profile values are stored JSON-encoded;
// plain strings are accepted as-is.
type RedisProvider struct {
	client redis.UniversalClient
	prefix string
}

var _ protocol.AttributeProvider = (*RedisProvider)(nil)

func NewRedisProvider(client redis.UniversalClient, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &RedisProvider{client: client, prefix: prefix}
}

// NewRedisProviderFromURL connects a client from a redis:// URL.
func NewRedisProviderFromURL(url, prefix string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return NewRedisProvider(redis.NewClient(opts), prefix), nil
}

func (p *RedisProvider) profileKey(customerID string) string {
	return p.prefix + ":" + customerID + ":profile"
}

func (p *RedisProvider) segmentsKey(customerID string) string {
	return p.prefix + ":" + customerID + ":segments"
}

func (p *RedisProvider) Snapshot(ctx context.Context, customerID string) (map[string]any, error) {
	fields, err := p.client.HGetAll(ctx, p.profileKey(customerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read profile for customer %s: %w", customerID, err)
	}

	snapshot := make(map[string]any, len(fields))
	for field, raw := range fields {
		snapshot[field] = decodeValue(raw)
	}

	return snapshot, nil
}

func (p *RedisProvider) Segments(ctx context.Context, customerID string) ([]string, error) {
	segments, err := p.client.SMembers(ctx, p.segmentsKey(customerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read segments for customer %s: %w", customerID, err)
	}

	return segments, nil
}

func (p *RedisProvider) IsOptedOut(ctx context.Context, customerID string) (bool, error) {
	raw, err := p.client.HGet(ctx, p.profileKey(customerID), "opted_out").Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}

		return false, fmt.Errorf("failed to read opt-out for customer %s: %w", customerID, err)
	}

	optedOut, err := strconv.ParseBool(raw)
	if err != nil {
		return false, nil
	}

	return optedOut, nil
}

func (p *RedisProvider) PhoneNumber(ctx context.Context, customerID string) (string, error) {
	phone, err := p.client.HGet(ctx, p.profileKey(customerID), "phone").Result()
	if err != nil {
		if err == redis.Nil {
			return "", fmt.Errorf("customer %s has no phone number", customerID)
		}

		return "", fmt.Errorf("failed to read phone for customer %s: %w", customerID, err)
	}

	return phone, nil
}

func (p *RedisProvider) ApplyProfileUpdates(ctx context.Context, customerID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	fields := make(map[string]string, len(updates))
	for field, value := range updates {
		fields[field] = encodeValue(value)
	}

	err := p.client.HSet(ctx, p.profileKey(customerID), fields).Err()
	if err != nil {
		return fmt.Errorf("failed to update profile for customer %s: %w", customerID, err)
	}

	return nil
}

func decodeValue(raw string) any {
	var value any

	err := json.Unmarshal([]byte(raw), &value)
	if err != nil {
		return raw
	}

	return value
}

func encodeValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}

	return string(encoded)
}
