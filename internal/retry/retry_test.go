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

package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	settings := Settings{MaxAttempts: 3, InitialDelay: 0, Multiplier: 1, Retryable: containsAny("connection")}
	attempts := 0
	err := Do(context.Background(), settings, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	settings := Settings{MaxAttempts: 3, InitialDelay: 0, Multiplier: 1, Retryable: containsAny("connection")}
	attempts := 0
	err := Do(context.Background(), settings, func(context.Context) error {
		attempts++
		return errors.New("syntax error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	settings := Settings{MaxAttempts: 2, InitialDelay: 0, Multiplier: 1, Retryable: containsAny("connection")}
	attempts := 0
	err := Do(context.Background(), settings, func(context.Context) error {
		attempts++
		return errors.New("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDBSettings(t *testing.T) {
	assert.Equal(t, 2, DB.MaxAttempts)
	assert.True(t, DB.Retryable(errors.New("connection refused")))
	assert.False(t, DB.Retryable(errors.New("syntax error")))
}

func TestTimeoutSettings(t *testing.T) {
	assert.Equal(t, 3, Timeout.MaxAttempts)
	assert.True(t, Timeout.Retryable(errors.New("context canceled")))
}

func TestDoAPI_SucceedsAfterRetryableFailures(t *testing.T) {
	attempts := 0
	result, err := DoAPI(context.Background(), func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
}

func TestDoAPI_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	_, err := DoAPI(context.Background(), func(context.Context) (string, error) {
		attempts++
		return "", errors.New("invalid request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
