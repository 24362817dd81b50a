// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package redis implements the metastore on a redis server.
package redis

import (
	"context"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pailhq/pail/pkg/metastore"
	"github.com/pkg/errors"
)

// Config holds the connection settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Store is a metastore.Store backed by redis.
type Store struct {
	db *goredis.Client
}

// New connects to redis and verifies the connection with a ping.
func New(ctx context.Context, conf *Config) (*Store, error) {
	db := goredis.NewClient(&goredis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := db.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis: ping failed")
	}
	return &Store{db: db}, nil
}

// Get returns the value stored under key or metastore.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.db.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", metastore.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis: error getting key %s", key)
	}
	return v, nil
}

// Put stores value under key with the given ttl.
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.db.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis: error setting key %s", key)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redis: error deleting key %s", key)
	}
	return nil
}

// List scans for keys matching prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.db.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "redis: error scanning prefix %s", prefix)
	}
	return keys, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
