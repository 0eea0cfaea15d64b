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

// Package api contains the HTTP surface of the server. This file defines the
// dashboard statistics endpoint.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Dashboard configures GET /stats, the caller's video counts per status.
func Dashboard(r *gin.RouterGroup, server *Server) {
	stats := r.Group("/stats")
	{
		stats.GET("", func(c *gin.Context) {
			out, err := server.Media.Stats(c.Request.Context(), Owner(c))
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusOK, out)
		})
	}
}
