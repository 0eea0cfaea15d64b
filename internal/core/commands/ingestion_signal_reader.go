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
// Responsibility (COR) pattern's Command interface. This file defines the
// command that turns a raw ingestion message into an IngestionSignal.
//
// Two payloads are accepted:
//   - The `{video_id, locator}` JSON published on the AMQP queue.
//   - A Cloud Storage OBJECT_FINALIZE notification delivered by Pub/Sub. The
//     video id comes from the object's `video_id` metadata and the locator is
//     the object's gs:// URI.
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// IngestionSignalReader parses the message text found under CtxIn.
type IngestionSignalReader struct {
	cor.BaseCommand
}

func NewIngestionSignalReader(name string) *IngestionSignalReader {
	return &IngestionSignalReader{BaseCommand: *cor.NewBaseCommand(name)}
}

func (c *IngestionSignalReader) Execute(context cor.Context) {
	in, ok := context.Get(c.GetInputParam()).(string)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: ingestion message is not text", model.ErrInvalidInput))
		return
	}

	signal, obj, err := ParseIngestionMessage([]byte(in))
	if err != nil {
		c.Fail(context, err)
		return
	}

	c.Succeed(context)
	if obj != nil {
		context.Add(cloud.GetGCSObjectName(), obj)
	}
	context.Add(ParamSignal, signal)
	context.Add(c.GetOutputParam(), signal)
}

// ParseIngestionMessage decodes either supported payload. The GCS object is
// returned only for storage notifications.
func ParseIngestionMessage(data []byte) (*model.IngestionSignal, *cloud.GCSObject, error) {
	var probe struct {
		model.IngestionSignal
		cloud.GCSPubSubNotification
	}
	// Field names do not overlap, so one decode fills whichever shape was sent.
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("%w: undecodable ingestion message: %v", model.ErrInvalidInput, err)
	}

	if probe.IngestionSignal.VideoId != "" && probe.IngestionSignal.Locator != "" {
		signal := probe.IngestionSignal
		return &signal, nil, nil
	}

	n := probe.GCSPubSubNotification
	if n.Bucket != "" && n.Name != "" {
		obj := &cloud.GCSObject{Bucket: n.Bucket, Name: n.Name, MIMEType: n.ContentType}
		id := n.VideoId()
		if id == "" {
			return nil, obj, fmt.Errorf("%w: object %s carries no %s metadata", model.ErrInvalidInput, obj.Locator(), cloud.MetadataVideoId)
		}
		return &model.IngestionSignal{VideoId: id, Locator: obj.Locator()}, obj, nil
	}
	return nil, nil, fmt.Errorf("%w: ingestion message has neither video_id/locator nor bucket/name", model.ErrInvalidInput)
}
