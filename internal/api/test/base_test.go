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

// Package api_test exercises the HTTP surface end to end: a gin engine over
// in-memory storage and a running orchestrator with fake stage adapters.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/api"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/events"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/workflow"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

var ctx context.Context

const tName = "github.com/ConnorBoetig-dev/pauzyn.com/tests/api"

var logger = otelslog.NewLogger(tName)

func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	gin.SetMode(gin.TestMode)
	config := test.GetConfig()
	telemetry.SetupLogging()

	shutdown, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		panic(err)
	}
	logger.Info("completed test setup")

	exitCode := m.Run()

	if err := shutdown(ctx); err != nil {
		logger.Error("failed to shutdown telemetry", "error", err)
	}
	os.Exit(exitCode)
}

type app struct {
	config  *cloud.Config
	store   *store.MemoryStore
	router  *gin.Engine
	objects *services.MemoryObjectStore
}

func newApp(t *testing.T) *app {
	t.Helper()
	config := test.NewTestConfig()
	config.Search.MinSimilarity = 0.1
	records := store.NewMemoryStore()
	index := vector.NewMemoryIndex(test.Dimension)
	embedder := test.NewFakeEmbedder(test.Dimension)
	registry, _ := test.NewFakeRegistry(embedder)
	metrics := telemetry.NewMetrics()
	broadcaster := events.NewBroadcaster(config.Events.SubscriberBuffer, metrics)

	orchestrator, err := workflow.NewOrchestrator(config, records, index, registry, broadcaster, metrics)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(func() {
		cancel()
		orchestrator.Wait()
	})
	orchestrator.Start(runCtx)

	objects := services.NewMemoryObjectStore(config.Storage.UploadBucket)
	return &app{
		config:  config,
		store:   records,
		objects: objects,
		router: api.NewRouter(&api.Server{
			Config:      config,
			Media:       services.NewMediaService(config, records, index, objects, orchestrator),
			Search:      services.NewSearchService(config.Search, records, index, embedder),
			Broadcaster: broadcaster,
			Metrics:     metrics,
		}),
	}
}

func (a *app) token(t *testing.T, owner string) string {
	t.Helper()
	token, err := api.IssueToken(a.config.Auth, owner, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request as owner; an empty owner sends no token.
func (a *app) do(t *testing.T, owner string, method string, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, owner))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// upload posts a multipart form with the file field and extra fields.
func (a *app) upload(t *testing.T, owner string, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, form.WriteField(k, v))
	}
	part, err := form.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, form.Close())
	return a.do(t, owner, http.MethodPost, "/api/v1/videos", &body, form.FormDataContentType())
}

// waitStatus polls the status endpoint until the video is terminal.
func (a *app) waitStatus(t *testing.T, owner string, id string) string {
	t.Helper()
	var status string
	require.Eventually(t, func() bool {
		w := a.do(t, owner, http.MethodGet, "/api/v1/videos/"+id+"/status", nil, "")
		if w.Code != http.StatusOK {
			return false
		}
		var out struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(w.Body.Bytes(), &out) != nil {
			return false
		}
		status = out.Status
		return status == "completed" || status == "failed"
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func mp4Bytes() []byte {
	header := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'm', 'p', '4', '1'}
	return append(header, bytes.Repeat([]byte{0x01}, 512)...)
}
