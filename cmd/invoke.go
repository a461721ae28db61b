// Copyright 2026 Google LLC
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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nlsql/pg-gateway/internal/model"
)

// newInvokeCmd builds the "invoke" subcommand, which runs a single question
// through the full pipeline (no HTTP server) and prints the result as JSON.
// Useful for scripting and for exercising the gateway config without
// standing up a listener.
func newInvokeCmd(root *Command) *cobra.Command {
	var question, database string

	invokeCmd := &cobra.Command{
		Use:   "invoke",
		Short: "Ask a single natural-language question and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(root, question, database)
		},
	}
	invokeCmd.Flags().StringVarP(&question, "question", "q", "", "Natural-language question to answer (required).")
	invokeCmd.Flags().StringVarP(&database, "database", "d", "", "Database to query; defaults to the configured default.")
	invokeCmd.MarkFlagRequired("question")

	return invokeCmd
}

func invoke(cmd *Command, question, database string) error {
	logger, err := buildLogger(cmd)
	if err != nil {
		return fmt.Errorf("unable to initialize logger: %w", err)
	}
	cmd.logger = logger

	ctx := cmd.Context()
	deps, err := buildGateway(ctx, cmd)
	if err != nil {
		cmd.logger.Error(err.Error())
		return err
	}
	defer deps.registry.CloseAll()

	resp, fault := deps.pipeline.Run(ctx, model.QueryRequest{Question: question, Database: database})
	if fault != nil {
		enc := json.NewEncoder(cmd.errStream)
		enc.SetIndent("", "  ")
		_ = enc.Encode(fault)
		return fault
	}

	enc := json.NewEncoder(cmd.outStream)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
