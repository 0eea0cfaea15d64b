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
// This file, `objects.go`, abstracts where raw uploads are kept. The GCS
// implementation is used in every deployed environment; the memory one backs
// local runs without a bucket and the tests.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// ObjectStore keeps raw media and hands out opaque locators for it.
type ObjectStore interface {
	// Put stores r under name and returns its locator.
	Put(ctx context.Context, name string, contentType string, metadata map[string]string, r io.Reader) (string, error)
	// Delete removes the object. A missing object is not an error.
	Delete(ctx context.Context, locator string) error
	// SignedURL returns a time-limited GET URL for the object.
	SignedURL(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// GCSObjectStore writes uploads to one bucket.
type GCSObjectStore struct {
	StorageClient *storage.Client
	IAMClient     *credentials.IamCredentialsClient // Used for signing when SignerEmail is set.
	SignerEmail   string
	Bucket        string
}

func NewGCSObjectStore(client *storage.Client, iam *credentials.IamCredentialsClient, signerEmail string, bucket string) *GCSObjectStore {
	return &GCSObjectStore{StorageClient: client, IAMClient: iam, SignerEmail: signerEmail, Bucket: bucket}
}

func (s *GCSObjectStore) Put(ctx context.Context, name string, contentType string, metadata map[string]string, r io.Reader) (string, error) {
	writer := s.StorageClient.Bucket(s.Bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("writing gs://%s/%s: %w", s.Bucket, name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing gs://%s/%s: %w", s.Bucket, name, err)
	}
	return (&cloud.GCSObject{Bucket: s.Bucket, Name: name, MIMEType: contentType}).Locator(), nil
}

func (s *GCSObjectStore) Delete(ctx context.Context, locator string) error {
	obj, err := cloud.ParseLocator(locator)
	if err != nil {
		return err
	}
	err = s.StorageClient.Bucket(obj.Bucket).Object(obj.Name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting %s: %w", locator, err)
	}
	return nil
}

// SignedURL creates a V4 signed GET URL. With a signer email the signature
// comes from the IAM Credentials API, so no key file is needed on GCP
// runtimes; otherwise the client's own credentials sign.
func (s *GCSObjectStore) SignedURL(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	obj, err := cloud.ParseLocator(locator)
	if err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	}
	if s.SignerEmail != "" && s.IAMClient != nil {
		opts.GoogleAccessID = s.SignerEmail
		opts.SignBytes = func(b []byte) ([]byte, error) {
			resp, err := s.IAMClient.SignBlob(ctx, &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.SignerEmail),
				Payload: b,
			})
			if err != nil {
				return nil, fmt.Errorf("IAMClient.SignBlob: %w", err)
			}
			return resp.SignedBlob, nil
		}
	}
	u, err := s.StorageClient.Bucket(obj.Bucket).SignedURL(obj.Name, opts)
	if err != nil {
		return "", fmt.Errorf("Bucket(%q).SignedURL(%q): %w", obj.Bucket, obj.Name, err)
	}
	return u, nil
}

// MemoryObjectStore keeps objects in a map under gs://<bucket>/ locators.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

func NewMemoryObjectStore(bucket string) *MemoryObjectStore {
	return &MemoryObjectStore{bucket: bucket, objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Put(_ context.Context, name string, _ string, _ map[string]string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	locator := (&cloud.GCSObject{Bucket: s.bucket, Name: name}).Locator()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[locator] = data
	return locator, nil
}

func (s *MemoryObjectStore) Delete(_ context.Context, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, locator)
	return nil
}

func (s *MemoryObjectStore) SignedURL(_ context.Context, locator string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[locator]; !ok {
		return "", fmt.Errorf("%w: object %s", model.ErrNotFound, locator)
	}
	return fmt.Sprintf("memory://%s?expires=%d", locator[len("gs://"):], time.Now().Add(ttl).Unix()), nil
}

// Open returns the stored bytes.
func (s *MemoryObjectStore) Open(locator string) (io.Reader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[locator]
	return bytes.NewReader(data), ok
}
