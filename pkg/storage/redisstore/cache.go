// Copyright 2025 The Trendwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redisstore implements the cache store on Redis. It backs the
// shared rate-limit window, idempotency keys, cache invalidation targets,
// and the distributed fingerprint lease.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tnndbtc/trendwatch/pkg/storage"
)

// CacheStore adapts a go-redis client to storage.CacheStore.
type CacheStore struct {
	client *redis.Client
}

var _ storage.CacheStore = (*CacheStore)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string) (*CacheStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &CacheStore{client: client}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership.
func NewWithClient(client *redis.Client) *CacheStore {
	return &CacheStore{client: client}
}

// Client exposes the underlying client for components that need commands
// beyond the facade, e.g. the lease locker's compare-and-delete script.
func (s *CacheStore) Client() *redis.Client { return s.client }

// Close releases the underlying client.
func (s *CacheStore) Close() error { return s.client.Close() }

func (s *CacheStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *CacheStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *CacheStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *CacheStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *CacheStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *CacheStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return s.client.ZRemRangeByScore(ctx, key,
		fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

func (s *CacheStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *CacheStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]storage.ZMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, storage.ZMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *CacheStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}
