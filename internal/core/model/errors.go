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

package model

import "errors"

// Sentinel errors shared by the store, the index and the services. Wrap them
// with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("version conflict")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidDimension = errors.New("invalid vector dimension")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTerminal         = errors.New("record is in a terminal state")
)
