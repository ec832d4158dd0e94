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
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	appconfig "github.com/jordigilh/medianaut/internal/config"
	"github.com/jordigilh/medianaut/internal/errors"
)

// s3API is the subset of the S3 client the backend uses, for test doubles.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Backend serves s3:// locators against AWS S3 or any S3-compatible
// endpoint configured with an endpoint override.
type S3Backend struct {
	client   s3API
	uploader s3Uploader
	logger   *zap.Logger
	// healthBucket is probed by Ping when set.
	healthBucket string
}

// NewS3Backend builds the backend from the static configuration, using the
// default AWS credential chain with an optional environment override.
func NewS3Backend(ctx context.Context, cfg appconfig.StorageConfig, logger *zap.Logger) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if access := os.Getenv("MEDIANAUT_S3_ACCESS_KEY"); access != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, os.Getenv("MEDIANAUT_S3_SECRET_KEY"), "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeStorageUnavailable, "configure s3", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathMode
	})

	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		logger:   logger,
	}, nil
}

func (b *S3Backend) Scheme() string {
	return "s3"
}

// Validate has nothing beyond the bucket/key shape already enforced by
// ParseLocator; object keys carry no traversal semantics.
func (b *S3Backend) Validate(_ *Locator) error {
	return nil
}

func (b *S3Backend) Stat(ctx context.Context, loc *Locator) (*Info, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, classifyS3Error("stat", err)
	}
	info := &Info{Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (b *S3Backend) OpenRead(ctx context.Context, loc *Locator) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, classifyS3Error("get", err)
	}
	return out.Body, nil
}

// OpenWrite streams through a pipe into a multipart upload; Close blocks
// until the upload finishes and surfaces its error.
func (b *S3Backend) OpenWrite(ctx context.Context, loc *Locator) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		done <- err
	}()

	return &s3Writer{pw: pw, done: done, target: describe(loc)}, nil
}

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	target string
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err := <-w.done; err != nil {
		return classifyS3Error("upload", err)
	}
	return nil
}

// Exists is advisory; callers must not use it as a write gate.
func (b *S3Backend) Exists(ctx context.Context, loc *Locator) (bool, error) {
	_, err := b.Stat(ctx, loc)
	if err == nil {
		return true, nil
	}
	if errors.GetCode(err) == errors.CodeStorageNotFound {
		return false, nil
	}
	return false, err
}

func (b *S3Backend) Remove(ctx context.Context, loc *Locator) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return classifyS3Error("delete", err)
	}
	return nil
}

// Ping probes the configured health bucket, or succeeds trivially when no
// bucket is designated.
func (b *S3Backend) Ping(ctx context.Context) error {
	if b.healthBucket == "" {
		return nil
	}
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.healthBucket)})
	if err != nil {
		return classifyS3Error("ping", err)
	}
	return nil
}

func classifyS3Error(operation string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if stderrors.As(err, &notFound) || stderrors.As(err, &noSuchKey) {
		return errors.NewStorageError(errors.CodeStorageNotFound, operation, err)
	}
	return errors.NewStorageError(errors.CodeStorageUnavailable, operation, err)
}
