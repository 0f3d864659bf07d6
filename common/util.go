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

package common

import (
	"context"
	"hash/fnv"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// RequestIDKey context key for the charging request ID being processed
type RequestIDKey struct{}

// WithRequestID attach a charging request ID to a context for logging
func WithRequestID(ctxt context.Context, requestID string) context.Context {
	return context.WithValue(ctxt, RequestIDKey{}, requestID)
}

// UpdateLogTags make a copy of the log tags, and add the request ID from the context if present
func UpdateLogTags(ctxt context.Context, original log.Fields) log.Fields {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags
	}
	if v, ok := ctxt.Value(RequestIDKey{}).(string); ok && v != "" {
		newLogTags["request_id"] = v
	}
	return newLogTags
}

// ShardIndex map a routing key onto one of numShards shards
//
// The same key always maps onto the same shard.
func ShardIndex(key string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(numShards))
}
