// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package config loads runtime configuration from the environment, with
// an optional .env file picked up from the working directory.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the updater.
type Config struct {
	// Network transport
	NetworkPort    int
	NetworkTargets []string // host or host:port entries probed on discovery

	// Serial transport
	SerialPortFilter []string // substrings; empty means every detected port

	// Simulator
	SimulatedDevices bool
	SimulatorAddr    string

	// Storage
	HistoryDBPath   string
	DeviceCachePath string

	// Update pacing
	ChunkInterval time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		NetworkPort:     8266,
		SimulatorAddr:   "127.0.0.1:0",
		HistoryDBPath:   "flashup-history.db",
		DeviceCachePath: "flashup-devices.cbor",
		ChunkInterval:   10 * time.Millisecond,
		RetryInterval:   time.Second,
		MaxRetries:      3,
	}
}

// Load reads configuration from FLASHUP_* environment variables, after
// loading a .env file if one is present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("FLASHUP_NETWORK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			cfg.NetworkPort = n
		}
	}
	if v := os.Getenv("FLASHUP_NETWORK_TARGETS"); v != "" {
		cfg.NetworkTargets = splitList(v)
	}
	if v := os.Getenv("FLASHUP_SERIAL_FILTER"); v != "" {
		cfg.SerialPortFilter = splitList(v)
	}
	if v := os.Getenv("FLASHUP_SIMULATED_DEVICES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SimulatedDevices = b
		}
	}
	if v := os.Getenv("FLASHUP_SIMULATOR_ADDR"); v != "" {
		cfg.SimulatorAddr = v
	}
	if v := os.Getenv("FLASHUP_HISTORY_DB"); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv("FLASHUP_DEVICE_CACHE"); v != "" {
		cfg.DeviceCachePath = v
	}
	if v := os.Getenv("FLASHUP_CHUNK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.ChunkInterval = d
		}
	}
	if v := os.Getenv("FLASHUP_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RetryInterval = d
		}
	}
	if v := os.Getenv("FLASHUP_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	return cfg
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
