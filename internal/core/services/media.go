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

// Package services contains the business logic behind the HTTP surface.
// This file, `media.go`, defines the MediaService: upload, owner-scoped
// reads, deletion, resubmission of failed videos and stream URLs.
//
// Every read and write is scoped to the calling owner. A video owned by
// someone else is reported as model.ErrNotFound so ids cannot be probed.
package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"github.com/h2non/filetype"
)

// AllowedFormats are the containers accepted on upload.
var AllowedFormats = []string{"mp4", "avi", "mov", "mkv", "webm"}

// sniffLength covers the magic numbers of every allowed container.
const sniffLength = 261

// Signaler announces that raw media is ready. The orchestrator (direct
// transport) and the AMQP publisher implement it. It is nil for the pubsub
// transport, where the storage notification is the signal.
type Signaler interface {
	Submit(ctx context.Context, signal model.IngestionSignal) error
}

// Upload is one multipart upload.
type Upload struct {
	OwnerId     string
	Title       string
	Description string
	Tags        []string
	Categories  []string
	Filename    string
	Size        int64
	Body        io.Reader
}

// Stats counts the owner's videos per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// MediaService manages videos on behalf of their owners.
type MediaService struct {
	Store    store.RecordStore
	Index    vector.Index
	Objects  ObjectStore
	Signaler Signaler
	Config   *cloud.Config
	now      func() time.Time
}

func NewMediaService(config *cloud.Config, records store.RecordStore, index vector.Index, objects ObjectStore, signaler Signaler) *MediaService {
	return &MediaService{Store: records, Index: index, Objects: objects, Signaler: signaler, Config: config, now: time.Now}
}

// Create validates and stores an upload, creates its pending record and
// signals ingestion.
//
// Inputs:
//   - ctx: The request context.
//   - upload: The owner, metadata and body of the upload.
//
// Outputs:
//   - *model.VideoRecord: The stored record. It stays pending if the signal
//     could not be sent; the recovery sweep submits it later.
//   - error: model.ErrInvalidInput for an unsupported or empty file.
func (s *MediaService) Create(ctx context.Context, upload Upload) (*model.VideoRecord, error) {
	if upload.OwnerId == "" {
		return nil, fmt.Errorf("%w: upload without owner", model.ErrInvalidInput)
	}
	body := bufio.NewReaderSize(upload.Body, sniffLength)
	head, err := body.Peek(sniffLength)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: empty file", model.ErrInvalidInput)
	}
	kind, _ := filetype.Match(head)
	if kind == filetype.Unknown || !slices.Contains(AllowedFormats, kind.Extension) {
		return nil, fmt.Errorf("%w: unsupported file type; allowed: %s", model.ErrInvalidInput, strings.Join(AllowedFormats, ", "))
	}

	title := strings.TrimSpace(upload.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(upload.Filename), filepath.Ext(upload.Filename))
	}
	if title == "" || title == "." {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}

	record := model.NewVideoRecord(upload.OwnerId, title)
	record.Description = strings.TrimSpace(upload.Description)
	record.Filename = filepath.Base(upload.Filename)
	record.Tags = cleanList(upload.Tags)
	record.Categories = cleanList(upload.Categories)
	record.Format = kind.Extension

	counter := &countingReader{r: body}
	name := fmt.Sprintf("videos/%s/%d_%s.%s", upload.OwnerId, s.now().Unix(), record.Id, kind.Extension)
	locator, err := s.Objects.Put(ctx, name, kind.MIME.Value, map[string]string{cloud.MetadataVideoId: record.Id}, counter)
	if err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	record.Locator = locator
	record.FileSize = upload.Size
	if record.FileSize <= 0 {
		record.FileSize = counter.n
	}

	if err := s.Store.Create(ctx, record); err != nil {
		if delErr := s.Objects.Delete(ctx, locator); delErr != nil {
			slog.WarnContext(ctx, "failed to remove orphaned upload", "locator", locator, "error", delErr)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "video uploaded", "video_id", record.Id, "owner", record.OwnerId, "format", record.Format, "size", record.FileSize)
	s.signal(ctx, record)
	return record, nil
}

func (s *MediaService) signal(ctx context.Context, record *model.VideoRecord) {
	if s.Signaler == nil {
		return
	}
	if err := s.Signaler.Submit(ctx, model.IngestionSignal{VideoId: record.Id, Locator: record.Locator}); err != nil {
		slog.WarnContext(ctx, "failed to signal ingestion, leaving video to recovery", "video_id", record.Id, "error", err)
	}
}

// Get returns the owner's video.
func (s *MediaService) Get(ctx context.Context, ownerId string, id string) (*model.VideoRecord, error) {
	v, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.OwnerId != ownerId {
		return nil, fmt.Errorf("%w: video %s", model.ErrNotFound, id)
	}
	return v, nil
}

// List is the owner's dashboard listing. Every status is included unless the
// filter restricts it.
func (s *MediaService) List(ctx context.Context, ownerId string, filter model.Filter, order model.Sort, page model.Page) (*model.QueryResult, error) {
	if err := ValidateSort(order); err != nil {
		return nil, err
	}
	filter.OwnerId = ownerId
	return s.Store.Query(ctx, filter, order, NormalizePage(page, s.Config.Search))
}

// Delete removes the vectors, the stored object and the record, in that
// order, so a failure never leaves vectors pointing at a missing record.
func (s *MediaService) Delete(ctx context.Context, ownerId string, id string) error {
	v, err := s.Get(ctx, ownerId, id)
	if err != nil {
		return err
	}
	if err := s.Index.Remove(ctx, v.Id); err != nil {
		return fmt.Errorf("removing vectors: %w", err)
	}
	if v.Locator != "" && !s.locatorShared(ctx, v) {
		if err := s.Objects.Delete(ctx, v.Locator); err != nil {
			return fmt.Errorf("removing media: %w", err)
		}
	}
	if err := s.Store.Delete(ctx, v.Id); err != nil {
		return err
	}
	slog.InfoContext(ctx, "video deleted", "video_id", v.Id, "owner", ownerId)
	return nil
}

// locatorShared reports whether a resubmitted copy still points at the media.
func (s *MediaService) locatorShared(ctx context.Context, v *model.VideoRecord) bool {
	result, err := s.Store.Query(ctx, model.Filter{OwnerId: v.OwnerId}, model.Sort{}, model.Page{})
	if err != nil {
		return true
	}
	for _, other := range result.Records {
		if other.Id != v.Id && other.Locator == v.Locator {
			return true
		}
	}
	return false
}

// Resubmit creates a new pending record for a failed video, reusing its
// metadata and media, and signals it. Terminal records are never reopened.
func (s *MediaService) Resubmit(ctx context.Context, ownerId string, id string) (*model.VideoRecord, error) {
	v, err := s.Get(ctx, ownerId, id)
	if err != nil {
		return nil, err
	}
	if v.Status != model.StatusFailed {
		return nil, fmt.Errorf("%w: only failed videos can be resubmitted, %s is %s", model.ErrInvalidInput, v.Id, v.Status)
	}
	record := model.NewVideoRecord(v.OwnerId, v.Title)
	record.Description = v.Description
	record.Filename = v.Filename
	record.Locator = v.Locator
	record.Tags = slices.Clone(v.Tags)
	record.Categories = slices.Clone(v.Categories)
	record.FileSize = v.FileSize
	record.Format = v.Format
	if err := s.Store.Create(ctx, record); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "video resubmitted", "video_id", record.Id, "previous_id", v.Id)
	s.signal(ctx, record)
	return record, nil
}

// StreamURL returns a signed URL for the owner's raw media.
func (s *MediaService) StreamURL(ctx context.Context, ownerId string, id string) (string, error) {
	v, err := s.Get(ctx, ownerId, id)
	if err != nil {
		return "", err
	}
	if v.Locator == "" {
		return "", fmt.Errorf("%w: video %s has no media", model.ErrNotFound, id)
	}
	return s.Objects.SignedURL(ctx, v.Locator, s.Config.Storage.SignedURLTTL())
}

// Stats counts the owner's videos per status.
func (s *MediaService) Stats(ctx context.Context, ownerId string) (*Stats, error) {
	out := &Stats{}
	counts := map[model.Status]*int{
		model.StatusPending:    &out.Pending,
		model.StatusProcessing: &out.Processing,
		model.StatusCompleted:  &out.Completed,
		model.StatusFailed:     &out.Failed,
	}
	for status, count := range counts {
		result, err := s.Store.Query(ctx, model.Filter{OwnerId: ownerId, Statuses: []model.Status{status}}, model.Sort{}, model.Page{Number: 1, Size: 1})
		if err != nil {
			return nil, err
		}
		*count = result.Pagination.Total
		out.Total += result.Pagination.Total
	}
	return out, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" && !slices.Contains(out, part) {
				out = append(out, part)
			}
		}
	}
	return out
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
