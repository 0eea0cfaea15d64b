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

// Package cloud provides components for interacting with Google Cloud services.
// This file defines the Cloud Storage notification payload and the helpers
// that translate between objects and the opaque "gs://" locators stored on
// video records.
package cloud

import (
	"fmt"
	"strings"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// MetadataVideoId is the custom object metadata key carrying the video id.
const MetadataVideoId = "video_id"

// GetGCSObjectName returns the context key under which a GCSObject travels
// through a chain.
func GetGCSObjectName() string {
	return "__GCS__OBJ__"
}

// GCSPubSubNotification is the JSON payload of an OBJECT_FINALIZE
// notification.
type GCSPubSubNotification struct {
	Kind        string                 `json:"kind"`
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Bucket      string                 `json:"bucket"`
	Generation  string                 `json:"generation"`
	ContentType string                 `json:"contentType"`
	TimeCreated string                 `json:"timeCreated"`
	Size        string                 `json:"size"`
	MD5Hash     string                 `json:"md5Hash"`
	MetaData    map[string]interface{} `json:"metadata"`
}

// VideoId returns the video id stamped on the object at upload.
func (n *GCSPubSubNotification) VideoId() string {
	if n.MetaData == nil {
		return ""
	}
	if v, ok := n.MetaData[MetadataVideoId].(string); ok {
		return v
	}
	return ""
}

// GCSObject identifies an object in a bucket.
type GCSObject struct {
	Bucket   string
	Name     string
	MIMEType string
}

// Locator renders the object as gs://bucket/name.
func (o *GCSObject) Locator() string {
	return fmt.Sprintf("gs://%s/%s", o.Bucket, o.Name)
}

// ParseLocator splits a gs:// locator into bucket and object name.
func ParseLocator(locator string) (*GCSObject, error) {
	rest, ok := strings.CutPrefix(locator, "gs://")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported locator %q", model.ErrInvalidInput, locator)
	}
	bucket, name, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || name == "" {
		return nil, fmt.Errorf("%w: malformed locator %q", model.ErrInvalidInput, locator)
	}
	return &GCSObject{Bucket: bucket, Name: name}, nil
}
