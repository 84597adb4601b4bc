// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package update

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxRetries    = 3
	defaultRetryInterval = 1000 * time.Millisecond
	defaultChunkInterval = 10 * time.Millisecond

	// fallbackChunkSize is used when the transport reports no
	// preference.
	fallbackChunkSize = 4096
)

type config struct {
	maxRetries    int
	chunkInterval time.Duration
	retryBackOff  backoff.BackOff
	chunkSize     int64
}

func defaultConfig() config {
	return config{
		maxRetries:    defaultMaxRetries,
		chunkInterval: defaultChunkInterval,
		retryBackOff:  backoff.NewConstantBackOff(defaultRetryInterval),
	}
}

// Option configures a Job.
type Option func(*config)

// WithMaxRetries sets how often a rejected chunk is retried before the
// job fails.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithChunkInterval sets the pacing delay between accepted chunks. The
// delay yields the event loop and paces slow devices; it is not a rate
// limit.
func WithChunkInterval(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.chunkInterval = d
		}
	}
}

// WithRetryBackOff sets the policy consulted for the delay before a
// chunk retry. The default is a constant 1 s.
func WithRetryBackOff(b backoff.BackOff) Option {
	return func(c *config) {
		if b != nil {
			c.retryBackOff = b
		}
	}
}

// WithChunkSize overrides the transport-reported chunk size.
func WithChunkSize(size int64) Option {
	return func(c *config) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}
