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

package storage

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/internal/validation"
)

// FileBackend serves file:// locators scoped under the configured roots.
type FileBackend struct {
	roots []string
}

// NewFileBackend creates a backend rooted under roots.
func NewFileBackend(roots []string) *FileBackend {
	return &FileBackend{roots: roots}
}

func (b *FileBackend) Scheme() string {
	return "file"
}

// resolve canonicalizes and scopes the locator path.
func (b *FileBackend) resolve(loc *Locator) (string, error) {
	canonical, err := validation.CanonicalizeLocalPath(loc.Path)
	if err != nil {
		return "", err
	}
	if err := validation.EnsureUnderRoots(canonical, b.roots); err != nil {
		return "", err
	}
	return canonical, nil
}

// Validate scopes the locator without touching the target; the decision is
// independent of whether the path exists.
func (b *FileBackend) Validate(loc *Locator) error {
	_, err := b.resolve(loc)
	return err
}

func (b *FileBackend) Stat(_ context.Context, loc *Locator) (*Info, error) {
	path, err := b.resolve(loc)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewStorageError(errors.CodeStorageNotFound, "stat", err)
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeStorageUnavailable, "stat", err)
	}
	return &Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (b *FileBackend) OpenRead(_ context.Context, loc *Locator) (io.ReadCloser, error) {
	path, err := b.resolve(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewStorageError(errors.CodeStorageNotFound, "open", err)
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeStorageUnavailable, "open", err)
	}
	return f, nil
}

// OpenWrite creates the target exclusively; an existing object surfaces as
// a conflict, not a pre-checked skip.
func (b *FileBackend) OpenWrite(_ context.Context, loc *Locator) (io.WriteCloser, error) {
	path, err := b.resolve(loc)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewStorageError(errors.CodeStorageUnavailable, "mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if stderrors.Is(err, fs.ErrExist) {
		return nil, errors.NewStorageError(errors.CodeStorageConflict, "create", err)
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeStorageUnavailable, "create", err)
	}
	return f, nil
}

// Exists is advisory; callers must not use it as a write gate.
func (b *FileBackend) Exists(_ context.Context, loc *Locator) (bool, error) {
	path, err := b.resolve(loc)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewStorageError(errors.CodeStorageUnavailable, "stat", err)
	}
	return true, nil
}

func (b *FileBackend) Remove(_ context.Context, loc *Locator) error {
	path, err := b.resolve(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.NewStorageError(errors.CodeStorageUnavailable, "remove", err)
	}
	return nil
}

// Ping verifies every root is reachable.
func (b *FileBackend) Ping(_ context.Context) error {
	for _, root := range b.roots {
		if _, err := os.Stat(root); err != nil {
			return errors.NewStorageError(errors.CodeStorageUnavailable, "ping", err)
		}
	}
	return nil
}
