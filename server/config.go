// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full hub configuration, read from an optional YAML file with
// flag overrides applied afterwards.
type Config struct {
	Name        string `yaml:"name" json:"name" usage:"Hub instance name, used in logs. Default 'brainershub'."`
	Port        int    `yaml:"port" json:"port" usage:"Port to listen on for HTTP and websocket connections. Default 3001." validate:"gte=1,lte=65535"`
	Environment string `yaml:"environment" json:"environment" usage:"Environment tag, 'development' or 'production'. Default 'development'." validate:"oneof=development production"`
	APIBaseURL  string `yaml:"api_base_url" json:"api_base_url" usage:"Base URL of the upstream API responsible for persistence. Informational; passed through to clients that ask."`

	Logger   *LoggerConfig   `yaml:"logger" json:"logger"`
	Socket   *SocketConfig   `yaml:"socket" json:"socket"`
	Auth     *AuthConfig     `yaml:"auth" json:"auth"`
	Presence *PresenceConfig `yaml:"presence" json:"presence"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Minimum log level: debug, info, warn, error. Default 'info'." validate:"oneof=debug info warn error"`
	File       string `yaml:"file" json:"file" usage:"Log file path. Empty means stdout only."`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" usage:"Maximum size in MB of the log file before rotation. Default 100."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"Maximum number of rotated log files to keep. Default 5."`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" usage:"Maximum age in days of rotated log files. Default 30."`
}

// SocketConfig tunes the websocket transport. These values pass straight
// through to the transport layer and do not affect relay semantics.
type SocketConfig struct {
	AllowedOrigins       []string `yaml:"allowed_origins" json:"allowed_origins" usage:"Origins allowed for CORS and websocket upgrades. '*' allows any. Default ['*']."`
	PingPeriodMs         int      `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds between pings sent to clients. Default 25000." validate:"gte=1"`
	PongWaitMs           int      `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong before the connection is considered dead. Default 60000." validate:"gte=1"`
	WriteWaitMs          int      `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds allowed for a single write to complete. Default 10000." validate:"gte=1"`
	MaxMessageSizeBytes  int64    `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum inbound payload size in bytes. Default 10485760 (10MB)." validate:"gte=1"`
	OutgoingQueueSize    int      `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"Per-session outbound message queue size. A session whose queue fills is closed. Default 64." validate:"gte=1"`
	PingBackoffThreshold int      `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Number of received messages that reset the ping timer without an explicit ping. Default 20." validate:"gte=1"`
}

// AuthConfig controls the connection gate.
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret" json:"token_secret" usage:"HMAC secret for signed session tokens. When set, clients may authenticate with a 'token' query parameter instead of plain identity parameters."`
}

// PresenceConfig tunes presence bookkeeping.
type PresenceConfig struct {
	OfflineGraceSec int `yaml:"offline_grace_sec" json:"offline_grace_sec" usage:"Seconds to wait after a user's last connection closes before broadcasting offline. Absorbs refreshes and brief reconnects. Default 30." validate:"gte=0"`
}

// NewConfig returns a Config with default values applied.
func NewConfig() *Config {
	return &Config{
		Name:        "brainershub",
		Port:        3001,
		Environment: "development",
		APIBaseURL:  "",
		Logger: &LoggerConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Socket: &SocketConfig{
			AllowedOrigins:       []string{"*"},
			PingPeriodMs:         25000,
			PongWaitMs:           60000,
			WriteWaitMs:          10000,
			MaxMessageSizeBytes:  10 * 1024 * 1024,
			OutgoingQueueSize:    64,
			PingBackoffThreshold: 20,
		},
		Auth: &AuthConfig{
			TokenSecret: "",
		},
		Presence: &PresenceConfig{
			OfflineGraceSec: 30,
		},
	}
}

// ParseConfig loads configuration from the given YAML file over the defaults.
// An empty path returns the defaults unchanged.
func ParseConfig(path string) (*Config, error) {
	config := NewConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("could not parse config file: %w", err)
	}
	return config, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Socket.PongWaitMs <= c.Socket.PingPeriodMs {
		return fmt.Errorf("invalid configuration: socket.pong_wait_ms (%d) must be greater than socket.ping_period_ms (%d)", c.Socket.PongWaitMs, c.Socket.PingPeriodMs)
	}
	return nil
}

func (c *SocketConfig) GetPingPeriod() time.Duration {
	return time.Duration(c.PingPeriodMs) * time.Millisecond
}

func (c *SocketConfig) GetPongWait() time.Duration {
	return time.Duration(c.PongWaitMs) * time.Millisecond
}

func (c *SocketConfig) GetWriteWait() time.Duration {
	return time.Duration(c.WriteWaitMs) * time.Millisecond
}

func (c *PresenceConfig) GetOfflineGrace() time.Duration {
	return time.Duration(c.OfflineGraceSec) * time.Second
}
