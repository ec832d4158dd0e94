/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage abstracts the media storage collaborators behind one
// backend contract. Exists is advisory only: writers always attempt the
// write and treat "already exists" as a first-class conflict error, never
// as a pre-checked gate.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/jordigilh/medianaut/internal/errors"
)

// Info is the result of a stat call.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Locator is a parsed storage reference.
type Locator struct {
	Raw    string
	Scheme string
	// Path is the local path of a file locator as written; the file
	// backend canonicalizes and scopes it before use.
	Path string
	// Bucket and Key address object storage locators.
	Bucket string
	Key    string
}

// Backend is the storage collaborator contract.
type Backend interface {
	Scheme() string
	// Validate checks that the locator is addressable by this backend
	// (canonical, inside the configured scope) without touching the
	// target; admission applies it to both input and output locators.
	Validate(loc *Locator) error
	Stat(ctx context.Context, loc *Locator) (*Info, error)
	OpenRead(ctx context.Context, loc *Locator) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, loc *Locator) (io.WriteCloser, error)
	Exists(ctx context.Context, loc *Locator) (bool, error)
	Remove(ctx context.Context, loc *Locator) error
	Ping(ctx context.Context) error
}

// ParseLocator splits a raw locator into scheme and address parts.
func ParseLocator(raw string) (*Locator, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, errors.NewValidationError("locator must carry a scheme such as file:// or s3://").
			WithCode(errors.CodeInvalidPath)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, errors.NewValidationError("file locator has no path").
				WithCode(errors.CodeInvalidPath)
		}
		return &Locator{Raw: raw, Scheme: "file", Path: u.Path}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, errors.NewValidationError("s3 locator must be s3://bucket/key").
				WithCode(errors.CodeInvalidPath)
		}
		return &Locator{Raw: raw, Scheme: "s3", Bucket: u.Host, Key: key}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "storage scheme %q is not enabled", u.Scheme).
		WithCode(errors.CodeInvalidPath)
}

// Router dispatches locators to the enabled backends.
type Router struct {
	backends map[string]Backend
}

// NewRouter builds a router over the enabled backends.
func NewRouter(backends ...Backend) *Router {
	m := make(map[string]Backend, len(backends))
	for _, b := range backends {
		m[b.Scheme()] = b
	}
	return &Router{backends: m}
}

// Resolve parses the locator and returns the backend serving its scheme.
func (r *Router) Resolve(raw string) (Backend, *Locator, error) {
	loc, err := ParseLocator(raw)
	if err != nil {
		return nil, nil, err
	}
	backend, ok := r.backends[loc.Scheme]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrorTypeValidation, "storage scheme %q is not enabled", loc.Scheme).
			WithCode(errors.CodeInvalidPath)
	}
	return backend, loc, nil
}

// Backends returns the enabled backends, for health aggregation.
func (r *Router) Backends() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// copyBufferSize bounds the buffer used for media transfers.
const copyBufferSize = 1 << 20

// Transfer copies src to dst through a bounded buffer and reports the byte
// count. The context is honored between chunks.
func Transfer(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, writeErr := dst.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// describe renders a locator for log fields without leaking credentials.
func describe(loc *Locator) string {
	if loc.Scheme == "s3" {
		return fmt.Sprintf("s3://%s/%s", loc.Bucket, loc.Key)
	}
	return loc.Raw
}
