// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package firmware

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Write serializes a FLASHUP container to w. The sha256 metadata field
// is computed from payload and overrides any caller-supplied value.
// Missing name/version/target fields fail; a missing timestamp is
// filled with the current time (RFC 3339).
func Write(w io.Writer, metadata map[string]string, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}

	sum := sha256.Sum256(payload)
	meta["sha256"] = hex.EncodeToString(sum[:])
	if meta["timestamp"] == "" {
		meta["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	for _, field := range RequiredFields {
		if meta[field] == "" {
			return &MissingFieldError{Field: field}
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := io.WriteString(w, Magic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write metadata length: %w", err)
	}
	if _, err := w.Write(metaJSON); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Create writes a container to path and reopens it as a validated
// Package.
func Create(path string, metadata map[string]string, payload []byte) (*Package, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create firmware file: %w", err)
	}
	if err := Write(f, metadata, payload); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close firmware file: %w", err)
	}
	return Open(path)
}
