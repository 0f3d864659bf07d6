// Copyright 2021-2022 The ocsgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blocklist tracks subscribers whose bundle ran out
package blocklist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// BlockList is the set of subscribers currently refused service
type BlockList interface {
	// Block add a subscriber to the set
	Block(ctxt context.Context, subscriberID string) error
	// Unblock remove a subscriber from the set
	Unblock(ctxt context.Context, subscriberID string) error
	// IsBlocked whether the subscriber is in the set
	IsBlocked(ctxt context.Context, subscriberID string) (bool, error)
	// Close release the block list's resources
	Close() error
}

// MemoryBlockList implements BlockList in process memory
type MemoryBlockList struct {
	lock    sync.RWMutex
	blocked map[string]struct{}
}

// NewMemoryBlockList define an empty MemoryBlockList
func NewMemoryBlockList() *MemoryBlockList {
	return &MemoryBlockList{blocked: make(map[string]struct{})}
}

// Block add a subscriber to the set
func (b *MemoryBlockList) Block(_ context.Context, subscriberID string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.blocked[subscriberID] = struct{}{}
	return nil
}

// Unblock remove a subscriber from the set
func (b *MemoryBlockList) Unblock(_ context.Context, subscriberID string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.blocked, subscriberID)
	return nil
}

// IsBlocked whether the subscriber is in the set
func (b *MemoryBlockList) IsBlocked(_ context.Context, subscriberID string) (bool, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	_, ok := b.blocked[subscriberID]
	return ok, nil
}

// Close does nothing
func (b *MemoryBlockList) Close() error {
	return nil
}

// RedisParams parameters for connecting the redis block list
type RedisParams struct {
	Addr string
	DB   int
	// Key is the redis set holding blocked subscribers
	Key string
}

// RedisBlockList implements BlockList as a redis set shared by all gateway instances
type RedisBlockList struct {
	common.Component
	client *redis.Client
	key    string
}

// NewRedisBlockList connect a RedisBlockList
func NewRedisBlockList(ctxt context.Context, params RedisParams) (*RedisBlockList, error) {
	logTags := log.Fields{
		"module": "blocklist", "component": "redis", "instance": params.Addr,
	}
	client := redis.NewClient(&redis.Options{
		Addr:         params.Addr,
		DB:           params.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis connection failed")
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.WithFields(logTags).Infof("Connected to redis, block list in %s", params.Key)
	return &RedisBlockList{
		Component: common.Component{LogTags: logTags}, client: client, key: params.Key,
	}, nil
}

// Block add a subscriber to the set
func (b *RedisBlockList) Block(ctxt context.Context, subscriberID string) error {
	if err := b.client.SAdd(ctxt, b.key, subscriberID).Err(); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, b.LogTags)).Errorf(
			"Failed to block %s", subscriberID,
		)
		return err
	}
	return nil
}

// Unblock remove a subscriber from the set
func (b *RedisBlockList) Unblock(ctxt context.Context, subscriberID string) error {
	if err := b.client.SRem(ctxt, b.key, subscriberID).Err(); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, b.LogTags)).Errorf(
			"Failed to unblock %s", subscriberID,
		)
		return err
	}
	return nil
}

// IsBlocked whether the subscriber is in the set
func (b *RedisBlockList) IsBlocked(ctxt context.Context, subscriberID string) (bool, error) {
	return b.client.SIsMember(ctxt, b.key, subscriberID).Result()
}

// Close close the redis client
func (b *RedisBlockList) Close() error {
	return b.client.Close()
}
