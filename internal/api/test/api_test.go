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

package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/api"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type videoJSON struct {
	Id             string  `json:"id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	Format         string  `json:"format"`
	HasEmbedding   bool    `json:"has_embedding"`
	Transcript     string  `json:"transcript"`
	RelevanceScore float64 `json:"relevance_score"`
}

type pageJSON struct {
	Records    []videoJSON      `json:"records"`
	Pagination model.Pagination `json:"pagination"`
}

func TestHealthAndMetricsNeedNoToken(t *testing.T) {
	a := newApp(t)
	w := a.do(t, "", http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]interface{}](t, w)["status"])

	w = a.do(t, "", http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRejectsMissingAndForeignTokens(t *testing.T) {
	a := newApp(t)
	w := a.do(t, "", http.MethodGet, "/api/v1/videos", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	foreign := a.config.Auth
	foreign.Secret = "someone-elses-secret"
	token, err := api.IssueToken(foreign, "alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/videos", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := api.IssueToken(a.config.Auth, "alice", -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/videos", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadProcessAndSearch(t *testing.T) {
	a := newApp(t)
	w := a.upload(t, "alice", "greeting.mp4", mp4Bytes(), map[string]string{
		"description": "hello world greeting",
		"tags":        "demo, hello",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[videoJSON](t, w)
	assert.Equal(t, "greeting", created.Title)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "mp4", created.Format)

	assert.Equal(t, "completed", a.waitStatus(t, "alice", created.Id))

	w = a.do(t, "alice", http.MethodGet, "/api/v1/videos/"+created.Id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[videoJSON](t, w)
	assert.True(t, got.HasEmbedding)
	assert.Equal(t, "hello world", got.Transcript)
	assert.NotContains(t, w.Body.String(), `"combined_embedding":[`)

	w = a.do(t, "bob", http.MethodGet, "/api/v1/search?semantic=greeting", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode[pageJSON](t, w)
	require.Len(t, results.Records, 1)
	assert.Equal(t, created.Id, results.Records[0].Id)
	assert.Greater(t, results.Records[0].RelevanceScore, 0.0)

	w = a.do(t, "bob", http.MethodGet, "/api/v1/search/suggestions?q=gre", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"greeting"}, decode[map[string]interface{}](t, w)["suggestions"])

	w = a.do(t, "alice", http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, w)["completed"])
}

func TestUploadRejectsNonVideo(t *testing.T) {
	a := newApp(t)
	w := a.upload(t, "alice", "notes.txt", []byte("plain text is not a video"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, "alice", http.MethodPost, "/api/v1/videos", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVideosAreOwnerScoped(t *testing.T) {
	a := newApp(t)
	w := a.upload(t, "alice", "private.mp4", mp4Bytes(), map[string]string{"title": "Private"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[videoJSON](t, w).Id
	a.waitStatus(t, "alice", id)

	for _, path := range []string{"/api/v1/videos/" + id, "/api/v1/videos/" + id + "/status", "/api/v1/videos/" + id + "/stream"} {
		w = a.do(t, "mallory", http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w = a.do(t, "mallory", http.MethodDelete, "/api/v1/videos/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "alice", http.MethodGet, "/api/v1/videos/"+id+"/stream", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[map[string]string](t, w)["url"])

	w = a.do(t, "alice", http.MethodDelete, "/api/v1/videos/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do(t, "alice", http.MethodGet, "/api/v1/videos/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListing(t *testing.T) {
	a := newApp(t)
	for _, title := range []string{"Charlie", "Alpha", "Bravo"} {
		w := a.upload(t, "alice", strings.ToLower(title)+".mp4", mp4Bytes(), map[string]string{"title": title})
		require.Equal(t, http.StatusCreated, w.Code)
		require.Equal(t, "completed", a.waitStatus(t, "alice", decode[videoJSON](t, w).Id))
	}

	w := a.do(t, "alice", http.MethodGet, "/api/v1/videos?sort=title&order=asc&per_page=2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[pageJSON](t, w)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "Alpha", page.Records[0].Title)
	assert.Equal(t, "Bravo", page.Records[1].Title)
	assert.Equal(t, model.Pagination{Page: 1, PerPage: 2, Total: 3, Pages: 2}, page.Pagination)

	w = a.do(t, "alice", http.MethodGet, "/api/v1/videos?status=failed", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[pageJSON](t, w).Records)

	for _, query := range []string{"status=unknown", "sort=duration", "order=sideways", "page=x", "from=yesterday"} {
		w = a.do(t, "alice", http.MethodGet, "/api/v1/videos?"+query, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestResubmitOnlyFailedVideos(t *testing.T) {
	a := newApp(t)
	w := a.upload(t, "alice", "clip.mp4", mp4Bytes(), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[videoJSON](t, w).Id
	require.Equal(t, "completed", a.waitStatus(t, "alice", id))

	w = a.do(t, "alice", http.MethodPost, "/api/v1/videos/"+id+"/resubmit", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventStream(t *testing.T) {
	a := newApp(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?token=" + a.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	w := a.upload(t, "alice", "live.mp4", mp4Bytes(), map[string]string{"description": "live updates"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[videoJSON](t, w).Id

	var statuses []model.Status
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var event model.StatusEvent
		require.NoError(t, conn.ReadJSON(&event))
		require.Equal(t, id, event.VideoId)
		if event.Stage == "" {
			statuses = append(statuses, event.Status)
		}
		if event.Status.IsTerminal() && event.Stage == "" {
			break
		}
	}
	assert.Equal(t, []model.Status{model.StatusProcessing, model.StatusCompleted}, statuses)
}
