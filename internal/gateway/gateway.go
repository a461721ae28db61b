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

// Package gateway exposes the pipeline's contracts (query, list_databases,
// health_check, get_metrics, get_rate_limit_status) over a thin chi HTTP
// surface. It is not a complete MCP server or admin UI; it implements the
// contracts those external collaborators consume.
package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/nlsql/pg-gateway/internal/model"
	"github.com/nlsql/pg-gateway/internal/pipeline"
	"github.com/nlsql/pg-gateway/internal/ratelimit"
	"github.com/nlsql/pg-gateway/internal/registry"
)

// Server wires the pipeline and registry into an http.Handler.
type Server struct {
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	limiter  *ratelimit.Limiter
}

func New(p *pipeline.Pipeline, reg *registry.Registry, limiter *ratelimit.Limiter) *Server {
	return &Server{pipeline: p, registry: reg, limiter: limiter}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{AllowedMethods: []string{"GET", "POST"}}))

	r.Get("/health_check", s.healthCheck)
	r.Get("/list_databases", s.listDatabases)
	r.Get("/get_metrics", s.getMetrics)
	r.Get("/get_rate_limit_status", s.getRateLimitStatus)
	r.Route("/query", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/", s.query)
	})
	return r
}

type faultResponse struct {
	HTTPStatusCode    int      `json:"-"`
	ID                string   `json:"id,omitempty"`
	Kind              string   `json:"kind"`
	Message           string   `json:"message"`
	Suggestion        string   `json:"suggestion,omitempty"`
	SQL               string   `json:"sql,omitempty"`
	ValidationDetails []string `json:"validation_details,omitempty"`
}

func (f *faultResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, f.HTTPStatusCode)
	return nil
}

func newFaultResponse(f *model.Fault) *faultResponse {
	return &faultResponse{
		HTTPStatusCode:    f.Kind.HTTPStatus(),
		ID:                f.ID,
		Kind:              string(f.Kind),
		Message:           f.Message,
		Suggestion:        f.Suggestion,
		SQL:               f.SQL,
		ValidationDetails: f.ValidationDetails,
	}
}

type queryRequestBody struct {
	Question string `json:"question"`
	Database string `json:"database,omitempty"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var body queryRequestBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		_ = render.Render(w, r, &faultResponse{HTTPStatusCode: http.StatusBadRequest, Kind: string(model.FaultInternalError), Message: "request body was invalid JSON"})
		return
	}

	resp, fault := s.pipeline.Run(r.Context(), model.QueryRequest{Question: body.Question, Database: body.Database})
	if fault != nil {
		_ = render.Render(w, r, newFaultResponse(fault))
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	names := s.registry.List()
	out := make([]registry.Info, 0, len(names))
	for _, name := range names {
		if info, ok := s.registry.Info(name); ok {
			out = append(out, info)
		}
	}
	render.JSON(w, r, out)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.pipeline.Metrics.Snapshot())
}

func (s *Server) getRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("database")
	if key == "" {
		key = "default"
	}
	usage := s.limiter.Usage(key)
	render.JSON(w, r, usage)
}
