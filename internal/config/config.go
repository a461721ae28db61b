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

// Package config decodes the gateway's YAML configuration, auto-detecting
// the single-database and multi-database shorthands, substituting
// ${VAR}-style environment references before decode, and validating the
// result with struct tags.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	yaml "github.com/goccy/go-yaml"
	"github.com/go-playground/validator/v10"

	"github.com/nlsql/pg-gateway/internal/accesscontrol"
	"github.com/nlsql/pg-gateway/internal/model"
)

// TableRuleConfig is the YAML shape of one access-control table rule.
type TableRuleConfig struct {
	Schema         string   `yaml:"schema"`
	Table          string   `yaml:"table" validate:"required"`
	AccessLevel    string   `yaml:"access_level"`
	AllowedColumns []string `yaml:"allowed_columns"`
	DeniedColumns  []string `yaml:"denied_columns"`
	RowFilter      string   `yaml:"row_filter"`
	Comment        string   `yaml:"comment"`
}

// PolicyConfig is the YAML shape of one database's AccessPolicy.
type PolicyConfig struct {
	DefaultAccess  string            `yaml:"default_access"`
	Tables         []TableRuleConfig `yaml:"tables"`
	BlockedTables  []string          `yaml:"blocked_tables"`
	RequireExplain bool              `yaml:"require_explain"`
	MaxExplainCost *float64          `yaml:"max_explain_cost"`
}

// DatabaseConfig is the YAML shape of one DatabaseIdentity.
type DatabaseConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	Description    string        `yaml:"description"`
	Host           string        `yaml:"host" validate:"required"`
	Port           string        `yaml:"port" validate:"required"`
	Database       string        `yaml:"database" validate:"required"`
	User           string        `yaml:"user" validate:"required"`
	Password       string        `yaml:"password" validate:"required"`
	MinConnections int32         `yaml:"min_connections"`
	MaxConnections int32         `yaml:"max_connections"`
	CommandTimeout string        `yaml:"command_timeout"`
	Policy         *PolicyConfig `yaml:"policy"`
	Default        bool          `yaml:"default"`
}

// RateLimitConfig configures C6.
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds" validate:"required_if=Enabled true"`
	Max           int  `yaml:"max"`
}

// MetricsConfig configures C10's category gates.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Query   bool `yaml:"query"`
	SQL     bool `yaml:"sql"`
	DB      bool `yaml:"db"`
}

// OracleConfig addresses the external chat model for C8.
type OracleConfig struct {
	APIKey      string  `yaml:"api_key" validate:"required"`
	Model       string  `yaml:"model" validate:"required"`
	Endpoint    string  `yaml:"endpoint"`
	APIVersion  string  `yaml:"api_version"`
	Temperature float32 `yaml:"temperature"`
}

// LoggingConfig configures internal/log.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// File is the root YAML document, supporting both the single-database
// ("database:") and multi-database ("databases:") shorthands.
type File struct {
	Database  *DatabaseConfig   `yaml:"database"`
	Databases []DatabaseConfig  `yaml:"databases"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Oracle    OracleConfig      `yaml:"oracle"`
	Logging   LoggingConfig     `yaml:"logging"`
	MaxRows   int               `yaml:"max_rows"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${VAR} occurrence in raw with os.Getenv(VAR),
// applied to the raw bytes before YAML decoding so environment values can
// appear anywhere a plain scalar can, including inside strings.
func substituteEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load decodes, env-substitutes, and validates the configuration at path,
// auto-detecting the single/multi-database shorthand.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return Parse(raw)
}

// Parse runs the substitute/decode/validate pipeline over raw bytes.
func Parse(raw []byte) (*File, error) {
	raw = substituteEnv(raw)

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if f.Database != nil && len(f.Databases) > 0 {
		return nil, fmt.Errorf("config specifies both 'database' and 'databases'; use exactly one")
	}
	if f.Database == nil && len(f.Databases) == 0 {
		return nil, fmt.Errorf("config must specify either 'database' or 'databases'")
	}
	if f.Database != nil {
		f.Databases = []DatabaseConfig{*f.Database}
	}

	v := validator.New()
	if err := v.Struct(&f); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	for i := range f.Databases {
		if err := v.Struct(&f.Databases[i]); err != nil {
			return nil, fmt.Errorf("database %q validation: %w", f.Databases[i].Name, err)
		}
	}

	return &f, nil
}

// DefaultDatabaseName returns the configured default database's name, or
// empty if none is marked default.
func (f *File) DefaultDatabaseName() string {
	for _, db := range f.Databases {
		if db.Default {
			return db.Name
		}
	}
	return ""
}

// ToIdentities converts every configured database into a model.DatabaseIdentity,
// validating every row_filter at load time (a supplemented upgrade over the
// runtime fail-open rewrite path).
func (f *File) ToIdentities() ([]model.DatabaseIdentity, error) {
	out := make([]model.DatabaseIdentity, 0, len(f.Databases))
	for _, db := range f.Databases {
		policy, err := toPolicy(db.Policy)
		if err != nil {
			return nil, fmt.Errorf("database %q: %w", db.Name, err)
		}
		if policy != nil {
			if err := accesscontrol.ValidatePolicy(policy); err != nil {
				return nil, fmt.Errorf("database %q: %w", db.Name, err)
			}
		}
		out = append(out, model.DatabaseIdentity{
			Name:           db.Name,
			Description:    db.Description,
			Host:           db.Host,
			Port:           db.Port,
			Database:       db.Database,
			User:           db.User,
			Password:       model.Secret(db.Password),
			MinConnections: db.MinConnections,
			MaxConnections: db.MaxConnections,
			CommandTimeout: db.CommandTimeout,
			Policy:         policy,
		})
	}
	return out, nil
}

func toPolicy(cfg *PolicyConfig) (*model.AccessPolicy, error) {
	if cfg == nil {
		return nil, nil
	}
	policy := &model.AccessPolicy{
		DefaultAccess:  model.AccessLevel(cfg.DefaultAccess),
		RequireExplain: cfg.RequireExplain,
		MaxExplainCost: cfg.MaxExplainCost,
		BlockedTables:  map[model.TableKey]bool{},
	}
	for _, t := range cfg.BlockedTables {
		if schema, table, ok := strings.Cut(t, "."); ok {
			policy.BlockedTables[model.NewTableKey(schema, table)] = true
			continue
		}
		policy.BlockedTables[model.NewTableKey("", t)] = true
	}
	for _, t := range cfg.Tables {
		rule := model.TableRule{
			Schema:      t.Schema,
			Table:       t.Table,
			AccessLevel: model.AccessLevel(t.AccessLevel),
			RowFilter:   t.RowFilter,
			Comment:     t.Comment,
		}
		if len(t.AllowedColumns) > 0 {
			rule.AllowedColumns = toSet(t.AllowedColumns)
		}
		if len(t.DeniedColumns) > 0 {
			rule.DeniedColumns = toSet(t.DeniedColumns)
		}
		policy.Tables = append(policy.Tables, rule)
	}
	return policy, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// Categories converts the YAML metrics config into a metrics.Categories.
// It's defined here (not metrics) to keep metrics free of a config import;
// the CLI decodes config and passes plain values into leaf packages.
func (m MetricsConfig) Categories() (enabled, query, sql, db bool) {
	return m.Enabled, m.Query, m.SQL, m.DB
}

// ParseBool is a small helper exposed for CLI flag wiring that accepts the
// same boolean vocabulary YAML does.
func ParseBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}
