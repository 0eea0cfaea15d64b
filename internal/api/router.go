// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api contains the HTTP surface of the server. This file builds the
// gin engine: middleware, the unauthenticated health and metrics endpoints,
// and the authenticated `/api/v1` group.
//
// Functions:
//   - NewRouter: Creates the engine with every route registered.
//   - WriteError: Maps service errors onto HTTP status codes.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/events"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Server holds what the handlers need.
type Server struct {
	Config      *cloud.Config
	Media       *services.MediaService
	Search      *services.SearchService
	Broadcaster *events.Broadcaster
	Metrics     *telemetry.Metrics
}

// NewRouter creates the gin engine for server.
//
// Inputs:
//   - server: The services behind the handlers.
//
// Outputs:
//   - *gin.Engine: The engine with middleware and routes registered.
func NewRouter(server *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(server.Config.Application.Name))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(server.Metrics.Handler()))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(Authenticate(server.Config.Auth))
	{
		VideoRouter(apiV1, server)
		SearchRouter(apiV1, server)
		EventsRouter(apiV1, server)
		Dashboard(apiV1, server)
	}
	return r
}

// WriteError maps err onto a status code. Anything unexpected is logged and
// answered with a generic body.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidDimension):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "the video changed, retry the request"})
	default:
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
