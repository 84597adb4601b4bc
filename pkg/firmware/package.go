// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package firmware parses and serves FLASHUP firmware containers.
//
// Container layout (all integers little-endian):
//
//	offset  size  meaning
//	0       7     magic bytes "FLASHUP"
//	7       4     metadata length M (uint32)
//	11      M     metadata: UTF-8 JSON object, string values only
//	11+M    *     raw firmware payload (to EOF)
package firmware

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Magic identifies a FLASHUP container.
const Magic = "FLASHUP"

const headerSize = len(Magic) + 4

// RequiredFields are the metadata keys every valid container must carry
// with non-empty values.
var RequiredFields = []string{"name", "version", "target", "timestamp", "sha256"}

// SignatureVerifier checks a package signature against its payload
// digest. The default implementation is not wired; see VerifySignature.
type SignatureVerifier interface {
	Verify(digest []byte, signature string) error
}

// Package is an immutable handle to a validated on-disk container. It
// keeps the backing file open for range reads until Close. Chunk reads
// seek the shared descriptor, so a Package is not safe for concurrent
// readers; the update job is the sole reader during an update.
type Package struct {
	path     string
	file     *os.File
	metadata map[string]string
	sha256   string
	sig      string
	offset   int64
	size     int64

	verifier SignatureVerifier
}

// Open parses and validates the container at path. It fails fast on a
// malformed container or checksum mismatch; on success the file stays
// open read-only for Chunk calls.
func Open(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open firmware file: %w", err)
	}

	p := &Package{path: path, file: f}
	if err := p.parse(); err != nil {
		f.Close()
		return nil, err
	}
	if err := p.verifyChecksum(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Package) parse() error {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(p.file, magic); err != nil {
		return ErrInvalidFormat
	}
	if string(magic) != Magic {
		return ErrInvalidFormat
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(p.file, lenBuf[:]); err != nil {
		return ErrInvalidFormat
	}
	metaLen := binary.LittleEndian.Uint32(lenBuf[:])

	metaRaw := make([]byte, metaLen)
	if _, err := io.ReadFull(p.file, metaRaw); err != nil {
		return ErrInvalidFormat
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(metaRaw, &raw); err != nil {
		return ErrInvalidMetadata
	}

	p.metadata = make(map[string]string, len(raw))
	for key, val := range raw {
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return ErrInvalidMetadata
		}
		p.metadata[key] = s
	}

	for _, field := range RequiredFields {
		if p.metadata[field] == "" {
			return &MissingFieldError{Field: field}
		}
	}

	p.sha256 = p.metadata["sha256"]
	p.sig = p.metadata["signature"]

	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("stat firmware file: %w", err)
	}

	p.offset = int64(headerSize) + int64(metaLen)
	p.size = info.Size() - p.offset
	if p.size <= 0 {
		return ErrEmptyPayload
	}
	return nil
}

// verifyChecksum hashes the whole payload and compares it to the
// declared sha256 value (hex, case-insensitive).
func (p *Package) verifyChecksum() error {
	if _, err := p.file.Seek(p.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek firmware payload: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, p.file); err != nil {
		return fmt.Errorf("read firmware payload: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, p.sha256) {
		return ErrChecksumMismatch
	}
	return nil
}

// Close releases the backing file. Chunk calls after Close fail.
func (p *Package) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Path returns the container's file path.
func (p *Package) Path() string {
	return p.path
}

// Metadata returns a snapshot of the metadata mapping.
func (p *Package) Metadata() map[string]string {
	out := make(map[string]string, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}

// Size returns the payload size in bytes.
func (p *Package) Size() int64 {
	return p.size
}

// SHA256 returns the declared payload digest (hex).
func (p *Package) SHA256() string {
	return p.sha256
}

// Signature returns the optional signature field (hex), empty if absent.
func (p *Package) Signature() string {
	return p.sig
}

// Chunk returns a contiguous byte range of the payload. The size is
// truncated so the range lies fully within the payload; an offset at or
// past the end returns an empty slice, not an error.
func (p *Package) Chunk(offset, size int64) ([]byte, error) {
	if p.file == nil {
		return nil, fmt.Errorf("firmware package closed")
	}
	if offset < 0 || size <= 0 || offset >= p.size {
		return nil, nil
	}
	if offset+size > p.size {
		size = p.size - offset
	}

	buf := make([]byte, size)
	if _, err := p.file.ReadAt(buf, p.offset+offset); err != nil {
		return nil, fmt.Errorf("read firmware chunk at %d: %w", offset, err)
	}
	return buf, nil
}

// ChunkCount returns how many chunks of chunkSize cover the payload,
// rounding up. A non-positive chunkSize yields 0.
func (p *Package) ChunkCount(chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((p.size + chunkSize - 1) / chunkSize)
}

// SetSignatureVerifier installs the verifier consulted by
// VerifySignature.
func (p *Package) SetSignatureVerifier(v SignatureVerifier) {
	p.verifier = v
}

// VerifySignature checks the package signature. Without an installed
// verifier it reports ErrSignatureUnverified rather than silently
// succeeding.
func (p *Package) VerifySignature() error {
	if p.verifier == nil {
		return ErrSignatureUnverified
	}
	digest, err := hex.DecodeString(p.sha256)
	if err != nil {
		return ErrInvalidMetadata
	}
	return p.verifier.Verify(digest, p.sig)
}
