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

// Package auth resolves API key material to key identity, quota, and the
// per-key webhook signing secret. Comparison against stored digests is
// constant-time so key enumeration cannot be timed.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/jordigilh/medianaut/internal/config"
	"github.com/jordigilh/medianaut/internal/errors"
)

// Key is the resolved identity attached to authenticated requests.
type Key struct {
	ID     string
	Quota  int
	Secret string
}

// Resolver is the auth collaborator's contract.
type Resolver interface {
	// Resolve maps raw key material to a Key, or an unauthorized error.
	Resolve(ctx context.Context, material string) (*Key, error)
}

// StaticResolver resolves against the configured key set. Digests are
// SHA-256 of the key material, hex-encoded.
type StaticResolver struct {
	keys         []config.APIKeyConfig
	defaultQuota int
}

// NewStaticResolver builds a resolver from configuration.
func NewStaticResolver(cfg config.AuthConfig, defaultQuota int) *StaticResolver {
	return &StaticResolver{keys: cfg.Keys, defaultQuota: defaultQuota}
}

// Resolve scans every configured key unconditionally so the work done is
// independent of whether, and where, a match occurs.
func (r *StaticResolver) Resolve(_ context.Context, material string) (*Key, error) {
	digest := sha256.Sum256([]byte(material))
	presented := []byte(hex.EncodeToString(digest[:]))

	var matched *config.APIKeyConfig
	for i := range r.keys {
		stored := []byte(r.keys[i].Digest)
		if len(stored) == len(presented) &&
			subtle.ConstantTimeCompare(stored, presented) == 1 {
			matched = &r.keys[i]
		}
	}

	if matched == nil {
		return nil, errors.NewAuthError("invalid API key").WithCode(errors.CodeUnauthorized)
	}

	quota := matched.Quota
	if quota <= 0 {
		quota = r.defaultQuota
	}
	return &Key{ID: matched.ID, Quota: quota, Secret: matched.Secret}, nil
}

// SecretFor returns the webhook signing secret for a key id. Key ids are
// not secret material, so this lookup is a plain scan.
func (r *StaticResolver) SecretFor(keyID string) (string, bool) {
	for i := range r.keys {
		if r.keys[i].ID == keyID {
			return r.keys[i].Secret, true
		}
	}
	return "", false
}

// Digest computes the stored form of a key, for provisioning tooling.
func Digest(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
