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

package commands

import (
	goctx "context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
)

// AudioExtractor produces the audio track transcription listens to by running
// download, ffmpeg and upload as one chain. It is safe for concurrent use;
// every call gets its own chain context and temp files.
type AudioExtractor struct {
	chain cor.Chain
}

// NewAudioExtractor wires the extraction chain from configuration.
func NewAudioExtractor(config *cloud.Config, client *storage.Client) *AudioExtractor {
	chain := cor.NewBaseChain("audio-extraction").
		AddCommand(NewGCSToTempFile("audio-download", client, "video-", config.Storage.GCSFuseMountPoint)).
		AddCommand(NewFFMpegCommand("audio-ffmpeg", config.Storage.FFmpegCommand, DefaultAudioFilter)).
		AddCommand(NewGCSFileUpload("audio-upload", client, config.Storage.AudioBucket, "audio/"))
	return &AudioExtractor{chain: chain}
}

// ExtractAudio returns the gs:// locator and MIME type of the audio track of
// the video at locator.
func (a *AudioExtractor) ExtractAudio(ctx goctx.Context, videoId string, locator string) (string, string, error) {
	obj, err := cloud.ParseLocator(locator)
	if err != nil {
		return "", "", err
	}
	chCtx := cor.NewContext(ctx, obj)
	defer chCtx.Close()
	chCtx.Add(ParamVideoId, videoId)

	a.chain.Execute(chCtx)
	if chCtx.HasErrors() {
		return "", "", cor.JoinedErrors(chCtx)
	}
	audio, ok := chCtx.Get(ParamAudioObject).(*cloud.GCSObject)
	if !ok {
		return "", "", fmt.Errorf("audio extraction for %s produced no object", videoId)
	}
	return audio.Locator(), audio.MIMEType, nil
}
