// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package firmware

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat indicates the file is not a FLASHUP container
	// (bad magic or truncated header).
	ErrInvalidFormat = errors.New("invalid firmware file format")

	// ErrInvalidMetadata indicates the metadata block is not a JSON
	// object of string values.
	ErrInvalidMetadata = errors.New("invalid firmware metadata")

	// ErrEmptyPayload indicates the container carries no firmware data.
	ErrEmptyPayload = errors.New("firmware file contains no data")

	// ErrChecksumMismatch indicates the payload does not hash to the
	// sha256 value declared in the metadata.
	ErrChecksumMismatch = errors.New("firmware checksum mismatch")

	// ErrSignatureUnverified is returned by VerifySignature until a
	// signature verifier is wired in. Callers must not treat a package
	// as signature-checked when they receive it.
	ErrSignatureUnverified = errors.New("signature verification not implemented")
)

// MissingFieldError indicates a required metadata field is absent or empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required metadata field: %s", e.Field)
}
