// Package archive writes the final response of every finished search as <id>.json to a
// local directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"latency-correlations/internal/config"
	"latency-correlations/internal/models"
	"latency-correlations/internal/worker"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Record is the archived document.
type Record struct {
	ID          string             `json:"id"`
	State       models.State       `json:"state"`
	Error       string             `json:"error,omitempty"`
	RawResponse models.RawResponse `json:"rawResponse"`
	FinishedAt  time.Time          `json:"finishedAt"`
}

// Archiver stores records through one uploader.
type Archiver struct {
	up     uploader
	logger *slog.Logger
}

// New picks the uploader named by cfg.ArchiveDestination. It returns nil, nil when
// archiving is disabled.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.ArchiveDestination) {
	case "", "none":
		return nil, nil
	case "local":
		dir := cfg.ArchiveDir
		if dir == "" {
			dir = "./archive"
		}
		return &Archiver{up: &localUploader{baseDir: dir}, logger: logger}, nil
	case "s3":
		if cfg.ArchiveS3Bucket == "" {
			return nil, errors.New("archive destination s3 requested but ARCHIVE_S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown archive destination %q", cfg.ArchiveDestination)
	}
}

// NewLocal archives into dir.
func NewLocal(dir string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{up: &localUploader{baseDir: dir}, logger: logger}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive uploads the final state of job id. Non-terminal snapshots are rejected.
func (a *Archiver) Archive(ctx context.Context, id string, snap *worker.Snapshot) error {
	if !snap.State.Terminal() {
		return fmt.Errorf("archive %s: job is still %s", id, snap.State)
	}
	body, err := json.MarshalIndent(Record{
		ID:          id,
		State:       snap.State,
		Error:       snap.Err,
		RawResponse: snap.Raw,
		FinishedAt:  snap.UpdatedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	location, err := a.up.Upload(ctx, sanitizeKey(id+".json"), body, "application/json")
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	a.logger.Debug("archived correlation result", "job_id", id, "location", location)
	return nil
}

func sanitizeKey(key string) string {
	key = filepath.Base(filepath.Clean(key))
	return strings.TrimPrefix(key, ".")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
