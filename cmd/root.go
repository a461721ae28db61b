// Copyright 2024 Google LLC
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
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nlsql/pg-gateway/internal/config"
	"github.com/nlsql/pg-gateway/internal/gateway"
	"github.com/nlsql/pg-gateway/internal/log"
	"github.com/nlsql/pg-gateway/internal/metrics"
	"github.com/nlsql/pg-gateway/internal/model"
	"github.com/nlsql/pg-gateway/internal/oracle"
	"github.com/nlsql/pg-gateway/internal/pipeline"
	"github.com/nlsql/pg-gateway/internal/ratelimit"
	"github.com/nlsql/pg-gateway/internal/registry"
	"github.com/nlsql/pg-gateway/internal/schema"
)

var (
	// versionString indicates the version of this library.
	//go:embed version.txt
	versionString string
	// metadataString indicates additional build or distribution metadata.
	metadataString string
)

func init() {
	versionString = semanticVersion()
}

// semanticVersion returns the version of the CLI including a compile-time metadata.
func semanticVersion() string {
	v := strings.TrimSpace(versionString)
	if metadataString != "" {
		v += "+" + metadataString
	}
	return v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliConfig holds the flags every subcommand shares.
type cliConfig struct {
	Address       string
	Port          int
	ConfigFile    string
	LogLevel      string
	LoggingFormat string
}

// Command represents an invocation of the CLI.
type Command struct {
	*cobra.Command

	cfg       cliConfig
	logger    log.Logger
	outStream io.Writer
	errStream io.Writer
}

// NewCommand returns a Command object representing an invocation of the CLI.
func NewCommand(opts ...Option) *Command {
	out := os.Stdout
	err := os.Stderr

	baseCmd := &cobra.Command{
		Use:           "pg-gateway",
		Version:       versionString,
		SilenceErrors: true,
	}
	cmd := &Command{
		Command:   baseCmd,
		outStream: out,
		errStream: err,
	}

	for _, o := range opts {
		o(cmd)
	}

	// set baseCmd out and err the same as cmd.
	baseCmd.SetOut(cmd.outStream)
	baseCmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "127.0.0.1", "Address of the interface the server will listen on.")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 5000, "Port the server will listen on.")
	flags.StringVarP(&cmd.cfg.ConfigFile, "config", "c", "config.yaml", "File path specifying the database, policy, rate limit, oracle, and logging configuration.")
	flags.StringVar(&cmd.cfg.LogLevel, "log-level", "info", "Specify the minimum level logged. Allowed: 'debug', 'info', 'warn', 'error'.")
	flags.StringVar(&cmd.cfg.LoggingFormat, "logging-format", "standard", "Specify logging format to use. Allowed: 'standard' or 'json'.")

	// wrap RunE command so that we have access to original Command object
	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }

	cmd.AddCommand(newInvokeCmd(cmd))

	return cmd
}

func buildLogger(cmd *Command) (log.Logger, error) {
	switch strings.ToLower(cmd.cfg.LoggingFormat) {
	case "json":
		return log.NewStructuredLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel)
	case "standard":
		return log.NewStdLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel)
	default:
		return nil, fmt.Errorf("logging format invalid: %q", cmd.cfg.LoggingFormat)
	}
}

// gatewayDeps is everything a running pipeline needs, assembled once from a
// config.File and shared between the server command and the one-shot invoke
// command.
type gatewayDeps struct {
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	limiter  *ratelimit.Limiter
}

// buildGateway loads the configuration file, registers an executor and
// schema cache per configured database, and wires every component into one
// Pipeline. Callers are responsible for calling registry.CloseAll when done.
func buildGateway(ctx context.Context, cmd *Command) (*gatewayDeps, error) {
	cfg, err := config.Load(cmd.cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load config at %q: %w", cmd.cfg.ConfigFile, err)
	}

	identities, err := cfg.ToIdentities()
	if err != nil {
		return nil, fmt.Errorf("unable to build database identities: %w", err)
	}

	reg := registry.New(cfg.DefaultDatabaseName())
	schemas := map[string]*schema.Cache{}
	for _, identity := range identities {
		if err := reg.Add(ctx, identity); err != nil {
			return nil, fmt.Errorf("unable to register database %q: %w", identity.Name, err)
		}
		cache := schema.NewCache()
		if err := cache.Load(ctx, identity); err != nil {
			reg.CloseAll()
			return nil, fmt.Errorf("unable to load schema for database %q: %w", identity.Name, err)
		}
		schemas[identity.Name] = cache
		cmd.logger.Info("schema loaded", zap.String("database", identity.Name))
	}

	enabled, query, sql, db := cfg.Metrics.Categories()
	collector := metrics.New(metrics.Categories{Enabled: enabled, Query: query, SQL: sql, DB: db})

	limiter := ratelimit.New(cfg.RateLimit.Enabled, cfg.RateLimit.WindowSeconds, cfg.RateLimit.Max)

	oracleCfg := oracle.Config{
		APIKey:      model.Secret(cfg.Oracle.APIKey),
		Model:       cfg.Oracle.Model,
		Endpoint:    cfg.Oracle.Endpoint,
		APIVersion:  cfg.Oracle.APIVersion,
		Temperature: cfg.Oracle.Temperature,
	}

	p := &pipeline.Pipeline{
		Registry: reg,
		Limiter:  limiter,
		Schemas:  schemas,
		Drafter:  oracle.NewSQLDraftingOracle(oracleCfg),
		Sanity:   oracle.NewResultSanityOracle(oracleCfg),
		Metrics:  collector,
		Logger:   cmd.logger,
		MaxRows:  cfg.MaxRows,
	}

	return &gatewayDeps{pipeline: p, registry: reg, limiter: limiter}, nil
}

func run(cmd *Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := buildLogger(cmd)
	if err != nil {
		return fmt.Errorf("unable to initialize logger: %w", err)
	}
	cmd.logger = logger

	deps, err := buildGateway(ctx, cmd)
	if err != nil {
		cmd.logger.Error(err.Error())
		return err
	}
	defer deps.registry.CloseAll()

	gw := gateway.New(deps.pipeline, deps.registry, deps.limiter)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cmd.cfg.Address, cmd.cfg.Port),
		Handler: gw.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		cmd.logger.Info("gateway ready to serve", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errMsg := fmt.Errorf("gateway failed to shut down cleanly: %w", err)
			cmd.logger.Error(errMsg.Error())
			return errMsg
		}
		return nil
	case err := <-serveErr:
		if err != nil {
			errMsg := fmt.Errorf("gateway crashed with the following error: %w", err)
			cmd.logger.Error(errMsg.Error())
			return errMsg
		}
		return nil
	}
}
