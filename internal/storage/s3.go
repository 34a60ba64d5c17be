// Package storage syncs the data directory with S3 so runs on ephemeral
// hosts (Lambda, spot containers) keep the wine database and user configs
// between invocations.
//
// Bucket layout:
//
//	s3://<bucket>/wines.db
//	s3://<bucket>/user_configs/<user>.yaml
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	appconfig "github.com/cellarwatch/lastbottle-monitor/internal/config"
)

const (
	dbKey          = "wines.db"
	profilesPrefix = "user_configs/"
)

// S3Sync pulls persisted state before a run and pushes it back after.
// With no bucket configured every operation is a logged no-op, which is
// how local development runs.
type S3Sync struct {
	client  *s3.Client
	bucket  string
	dataDir string
	logger  *zap.Logger
}

// NewS3Sync creates the sync helper. AWS config is only loaded when a
// bucket is configured.
func NewS3Sync(ctx context.Context, cfg appconfig.S3Config, dataDir string, logger *zap.Logger) (*S3Sync, error) {
	sync := &S3Sync{bucket: cfg.Bucket, dataDir: dataDir, logger: logger}
	if cfg.Bucket == "" {
		return sync, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	sync.client = s3.NewFromConfig(awsCfg)
	return sync, nil
}

// Enabled reports whether a bucket is configured.
func (s *S3Sync) Enabled() bool {
	return s.bucket != ""
}

// Pull downloads the database and every user config into the data
// directory. Missing remote objects are a first run, not an error.
func (s *S3Sync) Pull(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("s3 sync disabled, using local data directory only")
		return nil
	}

	if _, err := s.downloadFile(ctx, dbKey, filepath.Join(s.dataDir, "wines.db")); err != nil {
		return err
	}

	count, err := s.downloadPrefix(ctx, profilesPrefix, filepath.Join(s.dataDir, "user_configs"))
	if err != nil {
		return err
	}
	s.logger.Info("pulled state from s3",
		zap.String("bucket", s.bucket),
		zap.Int("profiles", count))
	return nil
}

// Push uploads the database back to the bucket. Configs are owned by the
// users and only flow downward.
func (s *S3Sync) Push(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	if err := s.uploadFile(ctx, filepath.Join(s.dataDir, "wines.db"), dbKey); err != nil {
		return err
	}
	s.logger.Info("pushed state to s3", zap.String("bucket", s.bucket))
	return nil
}

// downloadFile fetches one object. Returns false without error when the
// key does not exist.
func (s *S3Sync) downloadFile(ctx context.Context, key, localPath string) (bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			s.logger.Info("object not found in s3 (first run?)", zap.String("key", key))
			return false, nil
		}
		return false, fmt.Errorf("downloading s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, fmt.Errorf("creating %s: %w", filepath.Dir(localPath), err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return false, fmt.Errorf("creating %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return false, fmt.Errorf("writing %s: %w", localPath, err)
	}
	return true, nil
}

// downloadPrefix fetches every object under a prefix. Returns the number
// of files downloaded.
func (s *S3Sync) downloadPrefix(ctx context.Context, prefix, localDir string) (int, error) {
	count := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return count, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if rel == "" || strings.HasSuffix(key, "/") {
				continue
			}
			if _, err := s.downloadFile(ctx, key, filepath.Join(localDir, path.Clean(rel))); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func (s *S3Sync) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if os.IsNotExist(err) {
		s.logger.Warn("local file missing, skipping upload", zap.String("path", localPath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
