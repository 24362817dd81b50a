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

// Package config loads the daemon configuration. The environment is the
// primary source; an optional TOML file supplies the same keys in
// lower-case, and the environment wins on conflict. Validation collects
// every missing or malformed field before failing so a broken deployment
// surfaces all of its problems at once.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Config is the full daemon configuration.
type Config struct {
	// WorkerDomain is the base domain, without scheme. Requests to
	// {slug}.{WorkerDomain} are routed to the project named by the slug.
	WorkerDomain string `mapstructure:"worker_domain"`
	// ControlPlaneURL is the base URL of the control-plane internal API.
	ControlPlaneURL string `mapstructure:"control_plane_url"`
	// CallbackSecret authenticates both directions of the control-plane
	// channel: outgoing callbacks and incoming /internal requests.
	CallbackSecret string `mapstructure:"callback_secret"`
	// SigningSecret is the HMAC key for download signatures.
	SigningSecret string `mapstructure:"signing_secret"`
	// TusMaxSize is the largest accepted declared upload size in bytes.
	TusMaxSize int64 `mapstructure:"tus_max_size"`
	// TusExpirationHours is the lifetime of an in-flight upload.
	TusExpirationHours int `mapstructure:"tus_expiration_hours"`

	S3    S3Config    `mapstructure:"s3"`
	Redis RedisConfig `mapstructure:"redis"`

	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogMode    string `mapstructure:"log_mode"`
}

// S3Config holds the blob-store connection settings.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// RedisConfig holds the metadata-store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// ApplyDefaults fills the optional fields.
func (c *Config) ApplyDefaults() {
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMode == "" {
		c.LogMode = "json"
	}
}

// Validate reports every missing required field in one error.
func (c *Config) Validate() error {
	var missing []string
	required := map[string]string{
		"WORKER_DOMAIN":     c.WorkerDomain,
		"CONTROL_PLANE_URL": c.ControlPlaneURL,
		"CALLBACK_SECRET":   c.CallbackSecret,
		"SIGNING_SECRET":    c.SigningSecret,
		"S3_ENDPOINT":       c.S3.Endpoint,
		"S3_BUCKET":         c.S3.Bucket,
		"S3_ACCESS_KEY":     c.S3.AccessKey,
		"S3_SECRET_KEY":     c.S3.SecretKey,
	}
	for name, v := range required {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if c.TusMaxSize <= 0 {
		missing = append(missing, "TUS_MAX_SIZE")
	}
	if c.TusExpirationHours <= 0 {
		missing = append(missing, "TUS_EXPIRATION_HOURS")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("config: missing or invalid: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Load reads the configuration from the optional TOML file at fn and
// the environment, environment winning.
func Load(fn string) (*Config, error) {
	c := &Config{}
	if fn != "" {
		if err := fromFile(fn, c); err != nil {
			return nil, err
		}
	}
	if err := fromEnv(c); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return c, nil
}

func fromFile(fn string, c *Config) error {
	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(fn, &raw); err != nil {
		return errors.Wrapf(err, "config: error decoding toml file %s", fn)
	}
	if err := mapstructure.Decode(raw, c); err != nil {
		return errors.Wrapf(err, "config: error mapping toml file %s", fn)
	}
	return nil
}

func fromEnv(c *Config) error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	setString("WORKER_DOMAIN", &c.WorkerDomain)
	setString("CONTROL_PLANE_URL", &c.ControlPlaneURL)
	setString("CALLBACK_SECRET", &c.CallbackSecret)
	setString("SIGNING_SECRET", &c.SigningSecret)
	setString("S3_ENDPOINT", &c.S3.Endpoint)
	setString("S3_REGION", &c.S3.Region)
	setString("S3_BUCKET", &c.S3.Bucket)
	setString("S3_ACCESS_KEY", &c.S3.AccessKey)
	setString("S3_SECRET_KEY", &c.S3.SecretKey)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("LISTEN_ADDR", &c.ListenAddr)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_MODE", &c.LogMode)

	if v, ok := os.LookupEnv("TUS_MAX_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "config: TUS_MAX_SIZE is not an integer")
		}
		c.TusMaxSize = n
	}
	if v, ok := os.LookupEnv("TUS_EXPIRATION_HOURS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config: TUS_EXPIRATION_HOURS is not an integer")
		}
		c.TusExpirationHours = n
	}
	return nil
}
