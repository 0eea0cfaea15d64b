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

package api

import (
	"net/http"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/gin-gonic/gin"
)

// searchItem is one ranked video on the wire.
type searchItem struct {
	*model.VideoView
	*model.SearchHit
}

// SearchRouter sets up the search routes.
//
// This function defines the following endpoints:
//   - GET /search: `q` (lexical), `semantic`, `scope=mine` plus the listing
//     filters. Other owners' videos are only searched once completed.
//   - GET /search/suggestions: Prefix completions for `q`.
func SearchRouter(r *gin.RouterGroup, server *Server) {
	search := r.Group("/search")
	{
		search.GET("", func(c *gin.Context) {
			filter, order, page, err := ParseListing(c)
			if err != nil {
				WriteError(c, err)
				return
			}
			req := model.SearchRequest{
				Filter:        filter,
				TextQuery:     c.Query("q"),
				SemanticQuery: c.Query("semantic"),
				Sort:          order,
				Page:          page,
			}
			if c.Query("scope") == "mine" {
				req.Filter.OwnerId = Owner(c)
				req.IncludeAllStatuses = true
			} else {
				req.Filter.Statuses = nil
			}
			resp, err := server.Search.Search(c.Request.Context(), req)
			if err != nil {
				WriteError(c, err)
				return
			}
			items := make([]searchItem, len(resp.Hits))
			for i, h := range resp.Hits {
				items[i] = searchItem{VideoView: h.Record.ToView(), SearchHit: h}
			}
			c.JSON(http.StatusOK, gin.H{"records": items, "pagination": resp.Pagination})
		})

		search.GET("/suggestions", func(c *gin.Context) {
			out, err := server.Search.Suggestions(c.Request.Context(), c.Query("q"))
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"suggestions": out})
		})
	}
}
