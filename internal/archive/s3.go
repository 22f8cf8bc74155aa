// Package archive copies terminal jobs to S3 so results outlive the job store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/entity"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/export"
)

// Uploader is the subset of manager.Uploader we use.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes <prefix>/<job id>/job.json and text.txt for each job.
type S3Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
}

// NewS3Archiver loads AWS configuration. Static credentials are used when
// both keys are set, otherwise the default credential chain applies.
func NewS3Archiver(ctx context.Context, cfg common.ArchiveConfig, logger *slog.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not set")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return NewArchiver(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, logger), nil
}

func NewArchiver(uploader Uploader, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{uploader: uploader, bucket: bucket, prefix: prefix, logger: logger}
}

// Archive uploads the job record and its joined text.
func (a *S3Archiver) Archive(ctx context.Context, job *entity.Job) error {
	body, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	objects := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{"job.json", body, "application/json"},
		{"text.txt", []byte(export.JoinText(job)), "text/plain; charset=utf-8"},
	}
	for _, o := range objects {
		key := a.Key(job.ID, o.name)
		if _, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(o.data),
			ContentType: aws.String(o.contentType),
		}); err != nil {
			return common.ResourceError(fmt.Sprintf("s3 upload %s failed", key), err)
		}
	}
	a.logger.Info("job archived", "job_id", job.ID, "bucket", a.bucket, "prefix", a.Key(job.ID, ""))
	return nil
}

// Key is the object key for one archived file of a job.
func (a *S3Archiver) Key(jobID, name string) string {
	return path.Join(a.prefix, jobID, name)
}
