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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/gin-gonic/gin"
)

// VideoRouter sets up the owner-scoped video routes.
//
// Inputs:
//   - r: The authenticated `/api/v1` group.
//   - server: The services behind the handlers.
//
// This function defines the following endpoints:
//   - POST /videos: Multipart upload of the `file` field.
//   - GET /videos: The caller's dashboard listing.
//   - GET /videos/:id, /videos/:id/status, /videos/:id/stream.
//   - DELETE /videos/:id and POST /videos/:id/resubmit.
func VideoRouter(r *gin.RouterGroup, server *Server) {
	videos := r.Group("/videos")
	{
		videos.POST("", func(c *gin.Context) {
			header, err := c.FormFile("file")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "form field 'file' is required"})
				return
			}
			file, err := header.Open()
			if err != nil {
				WriteError(c, err)
				return
			}
			defer file.Close()

			record, err := server.Media.Create(c.Request.Context(), services.Upload{
				OwnerId:     Owner(c),
				Title:       c.PostForm("title"),
				Description: c.PostForm("description"),
				Tags:        splitList(c.PostForm("tags")),
				Categories:  splitList(c.PostForm("categories")),
				Filename:    header.Filename,
				Size:        header.Size,
				Body:        file,
			})
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusCreated, record.ToView())
		})

		videos.GET("", func(c *gin.Context) {
			filter, order, page, err := ParseListing(c)
			if err != nil {
				WriteError(c, err)
				return
			}
			result, err := server.Media.List(c.Request.Context(), Owner(c), filter, order, page)
			if err != nil {
				WriteError(c, err)
				return
			}
			views := make([]*model.VideoView, len(result.Records))
			for i, v := range result.Records {
				views[i] = v.ToView()
			}
			c.JSON(http.StatusOK, gin.H{"records": views, "pagination": result.Pagination})
		})

		videos.GET("/:id", func(c *gin.Context) {
			v, err := server.Media.Get(c.Request.Context(), Owner(c), c.Param("id"))
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusOK, v.ToView())
		})

		videos.GET("/:id/status", func(c *gin.Context) {
			v, err := server.Media.Get(c.Request.Context(), Owner(c), c.Param("id"))
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"video_id": v.Id, "status": v.Status, "error_message": v.ErrorMessage, "stages": v.Stages})
		})

		videos.GET("/:id/stream", func(c *gin.Context) {
			url, err := server.Media.StreamURL(c.Request.Context(), Owner(c), c.Param("id"))
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"url": url})
		})

		videos.DELETE("/:id", func(c *gin.Context) {
			if err := server.Media.Delete(c.Request.Context(), Owner(c), c.Param("id")); err != nil {
				WriteError(c, err)
				return
			}
			c.Status(http.StatusNoContent)
		})

		videos.POST("/:id/resubmit", func(c *gin.Context) {
			v, err := server.Media.Resubmit(c.Request.Context(), Owner(c), c.Param("id"))
			if err != nil {
				WriteError(c, err)
				return
			}
			c.JSON(http.StatusCreated, v.ToView())
		})
	}
}

// ParseListing reads the filter, sort and page query parameters shared by
// the listing and search endpoints.
func ParseListing(c *gin.Context) (model.Filter, model.Sort, model.Page, error) {
	var filter model.Filter
	var order model.Sort
	var page model.Page

	for _, s := range splitList(c.Query("status")) {
		status, ok := model.ParseStatus(s)
		if !ok {
			return filter, order, page, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	filter.Tags = splitList(c.Query("tags"))
	filter.Categories = splitList(c.Query("categories"))

	var err error
	if filter.CreatedFrom, err = parseTime(c.Query("from")); err != nil {
		return filter, order, page, err
	}
	if filter.CreatedTo, err = parseTime(c.Query("to")); err != nil {
		return filter, order, page, err
	}

	order.Field = c.DefaultQuery("sort", model.SortCreatedAt)
	switch strings.ToLower(c.DefaultQuery("order", "desc")) {
	case "desc":
		order.Descending = true
	case "asc":
	default:
		return filter, order, page, fmt.Errorf("%w: order must be asc or desc", model.ErrInvalidInput)
	}

	if page.Number, err = parseInt(c.Query("page")); err != nil {
		return filter, order, page, err
	}
	if page.Size, err = parseInt(c.Query("per_page")); err != nil {
		return filter, order, page, err
	}
	return filter, order, page, nil
}

func parseInt(in string) (int, error) {
	if in == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(in)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a page number", model.ErrInvalidInput, in)
	}
	return n, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(in string) (*time.Time, error) {
	if in == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, in); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not a date", model.ErrInvalidInput, in)
}

func splitList(in string) []string {
	var out []string
	for _, part := range strings.Split(in, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
