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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines a
// command for uploading a local file to a Google Cloud Storage bucket.
//
// The object name is built from the video id found under ParamVideoId and
// the local file's extension, e.g. `audio/<video id>.flac`, so re-running an
// extraction overwrites the previous attempt instead of piling up objects.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/h2non/filetype"
)

// GCSFileUpload uploads the local file under CtxIn and emits the resulting
// *cloud.GCSObject.
type GCSFileUpload struct {
	cor.BaseCommand
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSFileUpload is the constructor for creating a new GCSFileUpload command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - client: An initialized *storage.Client for communicating with GCS.
//   - bucket: The name of the target GCS bucket for the upload.
//   - prefix: Object name prefix, e.g. "audio/".
func NewGCSFileUpload(name string, client *storage.Client, bucket string, prefix string) *GCSFileUpload {
	return &GCSFileUpload{BaseCommand: *cor.NewBaseCommand(name), client: client, bucket: bucket, prefix: prefix}
}

// AudioObjectName returns the object an extraction for videoId is stored as.
func AudioObjectName(prefix string, videoId string, ext string) string {
	return fmt.Sprintf("%s%s.%s", prefix, videoId, ext)
}

func (c *GCSFileUpload) Execute(context cor.Context) {
	path, ok := context.Get(c.GetInputParam()).(string)
	if !ok || path == "" {
		c.Fail(context, fmt.Errorf("%w: no local file in context", model.ErrInvalidInput))
		return
	}
	videoId, _ := context.Get(ParamVideoId).(string)
	if videoId == "" {
		videoId = filepath.Base(path)
	}
	ext := filepath.Ext(path)
	if len(ext) > 1 {
		ext = ext[1:]
	}

	dat, err := os.Open(path)
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to open file %s: %w", path, err))
		return
	}
	defer dat.Close()

	obj := &cloud.GCSObject{
		Bucket:   c.bucket,
		Name:     AudioObjectName(c.prefix, videoId, ext),
		MIMEType: filetype.GetType(ext).MIME.Value,
	}
	writer := c.client.Bucket(obj.Bucket).Object(obj.Name).NewWriter(context.GetContext())
	writer.ContentType = obj.MIMEType
	writer.Metadata = map[string]string{cloud.MetadataVideoId: videoId}

	if written, err := io.Copy(writer, dat); err != nil {
		_ = writer.Close()
		c.Fail(context, fmt.Errorf("failed to copy to %s after %d bytes: %w", obj.Locator(), written, err))
		return
	}
	// The upload is only committed by Close.
	if err := writer.Close(); err != nil {
		c.Fail(context, fmt.Errorf("failed to finalize %s: %w", obj.Locator(), err))
		return
	}

	c.Succeed(context)
	slog.InfoContext(context.GetContext(), "uploaded file", "locator", obj.Locator(), "video_id", videoId)
	context.Add(ParamAudioObject, obj)
	context.Add(c.GetOutputParam(), obj)
}
