package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"application-workflow/internal/models"
)

// Archiver persists terminal-failure records outside the live system for
// later inspection.
type Archiver interface {
	ArchiveDeadLetter(ctx context.Context, exec models.JobExecution, lastError string) error
}

// S3Archiver writes one JSON object per dead-lettered execution under
// dlq/<execution-id>.json.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver for the given bucket.
func NewS3Archiver(ctx context.Context, region, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

type deadLetterRecord struct {
	Execution  models.JobExecution `json:"execution"`
	LastError  string              `json:"last_error"`
	ArchivedAt time.Time           `json:"archived_at"`
}

func (a *S3Archiver) ArchiveDeadLetter(ctx context.Context, exec models.JobExecution, lastError string) error {
	body, err := json.Marshal(deadLetterRecord{
		Execution:  exec,
		LastError:  lastError,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}

	key := fmt.Sprintf("dlq/%s.json", exec.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
