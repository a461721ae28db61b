// Copyright 2025 Google LLC
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

// Package retry provides the three retry decorator classes: timeout, API,
// and DB. Each wraps a RetryableFunc with its own retryable-error
// predicate, attempt count, and backoff shape. A non-retryable error
// propagates immediately; the final attempt's own error propagates, never a
// synthetic one.
package retry

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryableFunc is one attempt at the underlying operation.
type RetryableFunc func(context.Context) error

// IsRetryable classifies whether err should trigger another attempt.
type IsRetryable func(error) bool

// Settings configures one retry class, mirroring the shape used across the
// corpus's Settings/RetryableFunc decorators.
type Settings struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	Retryable    IsRetryable
}

// Timeout retries on operation-timeout or query-canceled: 3 attempts,
// 1.0s initial delay, multiplier 2.0.
var Timeout = Settings{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	Multiplier:   2.0,
	Retryable:    containsAny("timeout", "canceled", "cancelled"),
}

// API retries on language-model timeout/connection/rate-limit errors: 3
// attempts, 2.0s initial delay, multiplier 2.0. Implemented on top of
// cenkalti/backoff/v5, which the rest of this class's exponential shape is
// otherwise equivalent to.
var API = Settings{
	MaxAttempts:  3,
	InitialDelay: 2 * time.Second,
	Multiplier:   2.0,
	Retryable:    containsAny("timeout", "connection", "rate-limit", "rate limit"),
}

// DB retries on connection-lost/interface errors: 2 attempts, 1.0s fixed
// delay (multiplier 1).
var DB = Settings{
	MaxAttempts:  2,
	InitialDelay: time.Second,
	Multiplier:   1.0,
	Retryable:    containsAny("connection", "interface"),
}

func containsAny(substrs ...string) IsRetryable {
	return func(err error) bool {
		if err == nil {
			return false
		}
		msg := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

// Do runs fn under settings: a hand-rolled exponential loop grounded on the
// corpus's baseDelay*multiplier^attempt pattern, used for the Timeout and DB
// classes, whose retryable sets are local string checks rather than the
// chat-model-specific errors API targets.
func Do(ctx context.Context, settings Settings, fn RetryableFunc) error {
	var lastErr error
	for attempt := 0; attempt < settings.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !settings.Retryable(lastErr) {
			return lastErr
		}
		if attempt == settings.MaxAttempts-1 {
			return lastErr
		}
		delay := time.Duration(float64(settings.InitialDelay) * math.Pow(settings.Multiplier, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// DoAPI runs fn under the API class using cenkalti/backoff/v5's generic
// Retry, the dedicated library this class is grounded on: an
// exponential backoff seeded to match API's initial delay/multiplier, and a
// Permanent wrapper so non-retryable errors short-circuit immediately
// instead of exhausting attempts.
func DoAPI[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = API.InitialDelay
	b.Multiplier = API.Multiplier

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !API.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(API.MaxAttempts)))
}
