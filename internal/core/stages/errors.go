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

package stages

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ErrorKind decides whether a failed attempt is retried.
type ErrorKind int

const (
	// Transient failures (network, timeout, rate limit) are retried with backoff.
	Transient ErrorKind = iota
	// Permanent failures (malformed input, unsupported codec) are not retried.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// StageError is the classified failure of one adapter call. Reason is the
// human readable text that ends up in VideoRecord.ErrorMessage.
type StageError struct {
	Kind   ErrorKind
	Stage  model.StageName
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return fmt.Sprintf("%s %s failure: %s: %v", e.Stage, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failure: %s", e.Stage, e.Kind, e.Reason)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the orchestrator may retry the attempt.
func (e *StageError) IsTransient() bool {
	return e.Kind == Transient
}

// NewTransient builds a retryable failure.
func NewTransient(stage model.StageName, reason string, err error) *StageError {
	return &StageError{Kind: Transient, Stage: stage, Reason: reason, Err: err}
}

// NewPermanent builds a failure that is never retried.
func NewPermanent(stage model.StageName, reason string, err error) *StageError {
	return &StageError{Kind: Permanent, Stage: stage, Reason: reason, Err: err}
}

// Classify converts any adapter error into a StageError.
//
// Deadlines, cancellations, network errors, HTTP 408/429 and 5xx responses
// from either model provider are Transient. Invalid dimensions, invalid input
// and every other 4xx are Permanent. Unrecognised errors are Transient so a
// flaky dependency cannot fail a video on its first hiccup; the attempt
// ceiling still bounds them.
func Classify(stage model.StageName, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransient(stage, "stage timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewTransient(stage, "stage cancelled", err)
	}
	if errors.Is(err, model.ErrInvalidDimension) || errors.Is(err, model.ErrInvalidInput) {
		return NewPermanent(stage, err.Error(), err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(stage, apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return byStatus(stage, apiErrPtr.Code, apiErrPtr.Message, err)
	}
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		return byStatus(stage, oaErr.HTTPStatusCode, oaErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(stage, reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransient(stage, "network error", err)
	}
	return NewTransient(stage, err.Error(), err)
}

func byStatus(stage model.StageName, code int, message string, err error) *StageError {
	if message == "" {
		message = http.StatusText(code)
	}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return NewTransient(stage, message, err)
	case code >= 500:
		return NewTransient(stage, message, err)
	case code >= 400:
		return NewPermanent(stage, message, err)
	}
	return NewTransient(stage, message, err)
}
