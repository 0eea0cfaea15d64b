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
// command for making a Cloud Storage object available as a local file.
//
// Logic Flow:
//  1. Receives a `cloud.GCSObject` from the context.
//  2. If a GCS Fuse mount point is configured and the object is visible under
//     it, that path is used directly and nothing is downloaded.
//  3. Otherwise the object is streamed into a temporary file whose extension
//     matches the sniffed content type, because ffmpeg picks demuxers by
//     extension. The file is registered for cleanup with the context.
//  4. The local path is placed under CtxOut for the next command.
package commands

import (
	"errors"
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

// GCSToTempFile downloads an object from GCS to the local filesystem.
type GCSToTempFile struct {
	cor.BaseCommand
	client         *storage.Client
	tempFilePrefix string
	fuseMountPoint string
}

// NewGCSToTempFile is the constructor for creating a new GCSToTempFile command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - client: An initialized *storage.Client.
//   - tempFilePrefix: A string prefix for the temporary file's name.
//   - fuseMountPoint: Optional local mount of the buckets; empty always downloads.
func NewGCSToTempFile(name string, client *storage.Client, tempFilePrefix string, fuseMountPoint string) *GCSToTempFile {
	return &GCSToTempFile{
		BaseCommand:    *cor.NewBaseCommand(name),
		client:         client,
		tempFilePrefix: tempFilePrefix,
		fuseMountPoint: fuseMountPoint,
	}
}

func (c *GCSToTempFile) Execute(context cor.Context) {
	msg, ok := context.Get(c.GetInputParam()).(*cloud.GCSObject)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: no storage object in context", model.ErrInvalidInput))
		return
	}

	if c.fuseMountPoint != "" {
		local := filepath.Join(c.fuseMountPoint, msg.Bucket, msg.Name)
		if _, err := os.Stat(local); err == nil {
			c.Succeed(context)
			context.Add(c.GetOutputParam(), local)
			return
		}
	}

	reader, err := c.client.Bucket(msg.Bucket).Object(msg.Name).NewReader(context.GetContext())
	if errors.Is(err, storage.ErrObjectNotExist) {
		c.Fail(context, fmt.Errorf("%w: %s does not exist", model.ErrInvalidInput, msg.Locator()))
		return
	}
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to create GCS reader for %s: %w", msg.Locator(), err))
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			slog.WarnContext(context.GetContext(), "failed to close GCS reader", "error", err)
		}
	}()

	tempFile, err := os.CreateTemp("", c.tempFilePrefix+"*")
	if err != nil {
		c.Fail(context, fmt.Errorf("could not create temp file: %w", err))
		return
	}
	context.AddTempFile(tempFile.Name())

	written, err := io.Copy(tempFile, reader)
	_ = tempFile.Close()
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to copy %s to local file after %d bytes: %w", msg.Locator(), written, err))
		return
	}

	path, err := withSniffedExtension(tempFile.Name())
	if err != nil {
		c.Fail(context, err)
		return
	}
	if path != tempFile.Name() {
		context.AddTempFile(path)
	}

	c.Succeed(context)
	slog.DebugContext(context.GetContext(), "downloaded object", "locator", msg.Locator(), "path", path, "bytes", written)
	context.Add(c.GetOutputParam(), path)
}

// withSniffedExtension renames path so its extension matches its content.
// Content that is not a video or audio container is rejected.
func withSniffedExtension(path string) (string, error) {
	head, err := readHead(path)
	if err != nil {
		return "", fmt.Errorf("sniffing %s: %w", path, err)
	}
	if !filetype.IsVideo(head) && !filetype.IsAudio(head) {
		return "", fmt.Errorf("%w: unsupported media type", model.ErrInvalidInput)
	}
	kind, err := filetype.Match(head)
	if err != nil {
		return "", fmt.Errorf("sniffing %s: %w", path, err)
	}
	renamed := path + "." + kind.Extension
	if err := os.Rename(path, renamed); err != nil {
		return "", err
	}
	return renamed, nil
}

// readHead reads the header bytes filetype matchers look at.
func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return head[:n], nil
}
