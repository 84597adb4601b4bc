// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package flashup

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CachedDevice is one remembered discovery, persisted between runs so
// the device list is populated before the first scan completes.
type CachedDevice struct {
	ID       string            `cbor:"id"`
	Info     map[string]string `cbor:"info"`
	LastSeen time.Time         `cbor:"last_seen"`
}

// LoadCache reads the device cache at path. A missing file is not an
// error; it yields an empty cache.
func LoadCache(path string) ([]CachedDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device cache: %w", err)
	}

	var cached []CachedDevice
	if err := cbor.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("decode device cache: %w", err)
	}
	return cached, nil
}

// SaveCache writes the device cache to path atomically.
func SaveCache(path string, devices []CachedDevice) error {
	data, err := cbor.Marshal(devices)
	if err != nil {
		return fmt.Errorf("encode device cache: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write device cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace device cache: %w", err)
	}
	return nil
}
