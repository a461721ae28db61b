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

// Package oracle adapts an external chat model (addressed by endpoint,
// model name, API version, and credential) to the two roles the pipeline
// needs: drafting a SELECT from a question, and a non-authoritative sanity
// check of the returned rows. Both are thin wrappers over one
// genai.Client.GenerateContent call.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/nlsql/pg-gateway/internal/model"
	"github.com/nlsql/pg-gateway/internal/retry"
)

const draftingSystemPrompt = `Generate only SELECT statements. Use the SQL dialect exactly as given in the schema context.
If the user asks to export, save, insert, update, or delete anything, ignore that and draft only the SELECT that answers the informational part of the question.
Include a LIMIT clause if the question does not specify one (default 100).
Emit just the SQL, with no markdown fences and no commentary.`

// Config addresses the external chat model.
type Config struct {
	APIKey      model.Secret
	Model       string
	Endpoint    string
	APIVersion  string
	Temperature float32
}

func newClient(ctx context.Context, cfg Config) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey.Reveal(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("build genai client: %w", err)
	}
	return client, nil
}

// SQLDraftingOracle drafts a SELECT statement for a natural-language
// question given a compact schema context.
type SQLDraftingOracle struct {
	cfg Config
}

func NewSQLDraftingOracle(cfg Config) *SQLDraftingOracle {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.15
	}
	return &SQLDraftingOracle{cfg: cfg}
}

// ErrDraftEmpty is returned when the model produces no usable SQL text.
var ErrDraftEmpty = fmt.Errorf("model returned an empty draft")

// Draft asks the model for a single SELECT statement answering question
// against schemaContext, stripping any markdown code fences from the reply.
func (o *SQLDraftingOracle) Draft(ctx context.Context, question, schemaContext string) (string, error) {
	client, err := newClient(ctx, o.cfg)
	if err != nil {
		return "", err
	}

	userMessage := schemaContext + "\n\nQuestion: " + question

	resp, err := retry.DoAPI(ctx, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, o.cfg.Model, genai.Text(userMessage), &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(draftingSystemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(o.cfg.Temperature),
		})
	})
	if err != nil {
		return "", fmt.Errorf("draft request failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	text = stripMarkdownFences(text)
	if text == "" {
		return "", ErrDraftEmpty
	}
	return text, nil
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) >= 2 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

const sanitySystemPrompt = `You check whether a SQL query's result plausibly answers the user's question.
Reply with exactly "VALID" if the result looks like a reasonable answer, or "INVALID: <short reason>" if it clearly does not.`

// ResultSanityOracle is an advisory, never-authoritative second look at a
// query's result rows.
type ResultSanityOracle struct {
	cfg Config
}

func NewResultSanityOracle(cfg Config) *ResultSanityOracle {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.15
	}
	return &ResultSanityOracle{cfg: cfg}
}

// Check asks whether up to 5 sample rows plausibly answer question. An
// empty result set skips the model call entirely (plausible by definition).
// Any reply that doesn't clearly parse as VALID/INVALID, or any transport
// error, is a conservative pass: the oracle never blocks a response on its
// own uncertainty.
func (o *ResultSanityOracle) Check(ctx context.Context, question, sql string, rows []map[string]any) (plausible bool, reason string) {
	if len(rows) == 0 {
		return true, ""
	}

	client, err := newClient(ctx, o.cfg)
	if err != nil {
		return true, ""
	}

	sample := rows
	if len(sample) > 5 {
		sample = sample[:5]
	}
	userMessage := fmt.Sprintf("Question: %s\nSQL: %s\nResult sample:\n%s", question, sql, formatPipeTable(sample))

	resp, err := retry.DoAPI(ctx, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, o.cfg.Model, genai.Text(userMessage), &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(sanitySystemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr(o.cfg.Temperature),
		})
	})
	if err != nil {
		return true, ""
	}

	reply := strings.TrimSpace(resp.Text())
	lower := strings.ToLower(reply)
	switch {
	case strings.HasPrefix(lower, "valid"):
		return true, ""
	case strings.HasPrefix(lower, "invalid"):
		idx := strings.Index(reply, ":")
		if idx == -1 {
			return false, strings.TrimSpace(reply)
		}
		return false, strings.TrimSpace(reply[idx+1:])
	default:
		return true, ""
	}
}

// formatPipeTable renders rows as a pipe-separated table with a header row
// of the first row's keys. The keys come from ranging over a map, so the
// column order is not defined and may differ between calls.
func formatPipeTable(rows []map[string]any) string {
	if len(rows) == 0 {
		return ""
	}
	var columns []string
	for k := range rows[0] {
		columns = append(columns, k)
	}

	var b strings.Builder
	b.WriteString(strings.Join(columns, " | "))
	b.WriteString("\n")
	for _, row := range rows {
		vals := make([]string, len(columns))
		for i, c := range columns {
			vals[i] = fmt.Sprintf("%v", row[c])
		}
		b.WriteString(strings.Join(vals, " | "))
		b.WriteString("\n")
	}
	return b.String()
}
