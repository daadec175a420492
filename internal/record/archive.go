package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Bundle is the archived form of a record: the record itself plus every
// artifact that was stored next to it.
type Bundle struct {
	Record     DeploymentRecord           `json:"record"`
	Artifacts  map[string]json.RawMessage `json:"artifacts,omitempty"`
	ArchivedAt string                     `json:"archived_at"`
}

// Archiver persists an archived bundle and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, id string, data []byte) (string, error)
}

// Archive moves a terminal record and its artifacts out of the active store.
// The bundle is written by the archiver before anything is removed locally.
func (s *Store) Archive(ctx context.Context, id string, a Archiver) (string, error) {
	rec, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if !rec.Terminal() {
		return "", fmt.Errorf("record %s is %s; only terminal records can be archived", id, rec.CurrentStage)
	}

	bundle := Bundle{
		Record:     *rec,
		Artifacts:  make(map[string]json.RawMessage),
		ArchivedAt: s.timestamp(),
	}
	entries, err := os.ReadDir(s.Dir(id))
	if err != nil {
		return "", fmt.Errorf("read record dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "record.json" || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir(id), name))
		if err != nil {
			return "", fmt.Errorf("read artifact %s: %w", name, err)
		}
		bundle.Artifacts[strings.TrimSuffix(name, ".json")] = data
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	loc, err := a.Archive(ctx, id, data)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return loc, fmt.Errorf("remove archived record dir: %w", err)
	}
	return loc, nil
}

// LocalArchiver writes bundles into a directory on disk.
type LocalArchiver struct {
	Dir string
}

// Archive writes <dir>/<id>-<unix>.json.
func (l LocalArchiver) Archive(_ context.Context, id string, data []byte) (string, error) {
	path := filepath.Join(l.Dir, fmt.Sprintf("%s-%d.json", id, time.Now().Unix()))
	if err := WriteAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// S3Archiver uploads bundles to an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Archiver creates an archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads the bundle to s3://<bucket>/<prefix><id>/<unix>.json.
func (a *S3Archiver) Archive(ctx context.Context, id string, data []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%d.json", a.prefix, id, time.Now().Unix())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
