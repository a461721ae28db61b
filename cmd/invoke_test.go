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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvoke_MissingConfigFileReturnsError(t *testing.T) {
	cmd, _, _ := newTestCommand(t)
	cmd.cfg.ConfigFile = "/nonexistent/config.yaml"
	err := invoke(cmd, "how many users are there?", "")
	assert.Error(t, err)
}

func TestNewInvokeCmd_RequiresQuestionFlag(t *testing.T) {
	root, _, _ := newTestCommand(t)
	invokeCmd := newInvokeCmd(root)
	invokeCmd.SetArgs([]string{})
	err := invokeCmd.Execute()
	assert.Error(t, err)
}

func TestNewInvokeCmd_FlagsRegistered(t *testing.T) {
	root, _, _ := newTestCommand(t)
	invokeCmd := newInvokeCmd(root)
	assert.NotNil(t, invokeCmd.Flags().Lookup("question"))
	assert.NotNil(t, invokeCmd.Flags().Lookup("database"))
}
