package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/savaki/archive-relay/internal/errors"
)

const archiveContentType = "application/zip"

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ArchiveStore writes branch archives to S3. Bodies of unknown length are
// streamed through multipart upload rather than buffered.
type ArchiveStore struct {
	uploader Uploader
	bucket   string
}

// UploadResult describes a stored archive
type UploadResult struct {
	Bucket    string
	Key       string
	Location  string
	ETag      string
	VersionID string
}

func NewArchiveStore(client *s3.Client, config *Config) *ArchiveStore {
	return NewArchiveStoreWithUploader(manager.NewUploader(client), config.Bucket)
}

// NewArchiveStoreWithUploader is useful for testing with a fake uploader.
func NewArchiveStoreWithUploader(uploader Uploader, bucket string) *ArchiveStore {
	return &ArchiveStore{
		uploader: uploader,
		bucket:   bucket,
	}
}

// Bucket returns the destination bucket
func (s *ArchiveStore) Bucket() string {
	return s.bucket
}

// Put stores body under key with AES256 server-side encryption. Existing
// objects are overwritten.
func (s *ArchiveStore) Put(ctx context.Context, key string, body io.Reader) (*UploadResult, error) {
	logger := zerolog.Ctx(ctx)

	output, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 body,
		ContentType:          aws.String(archiveContentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		var apiErr smithy.APIError
		if stderrors.As(err, &apiErr) {
			logger.Error().
				Str("error_code", apiErr.ErrorCode()).
				Str("error_message", apiErr.ErrorMessage()).
				Str("s3_bucket", s.bucket).
				Str("s3_key", key).
				Msg("S3 rejected archive upload")
		}
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", errors.ErrArchiveUpload, s.bucket, key, err)
	}

	return &UploadResult{
		Bucket:    s.bucket,
		Key:       key,
		Location:  output.Location,
		ETag:      aws.ToString(output.ETag),
		VersionID: aws.ToString(output.VersionID),
	}, nil
}
