// Copyright 2025 James Ross
// Package mediaurl hands back presigned S3 GET URLs for parquet and media
// objects surfaced on the read path, adapted from the teacher's
// long-term-archives S3 exporter onto a read-only presign helper: the
// object store itself is out of scope, but rows/first-rows responses still
// need to point at the bytes a step already wrote there.
package mediaurl

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/huggingface/datasets-server/internal/config"
)

// Presigner hands out time-limited, read-only URLs for objects in the
// configured bucket.
type Presigner struct {
	client *s3.S3
	bucket string
	prefix string
	ttl    time.Duration
}

// New builds a Presigner from cfg.MediaStorage. An empty bucket is valid
// configuration for deployments that never surface media URLs: New then
// returns an inert Presigner whose Configured reports false (the
// config-parquet-metadata step treats a nil or unconfigured Presigner as
// "no media store configured" and skips presigning).
func New(cfg *config.Config) (*Presigner, error) {
	if cfg.MediaStorage.Bucket == "" {
		return &Presigner{}, nil
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.MediaStorage.Region)}
	if cfg.MediaStorage.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.MediaStorage.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.MediaStorage.ForcePathStyle)
	}
	if cfg.MediaStorage.AccessKeyID != "" && cfg.MediaStorage.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.MediaStorage.AccessKeyID,
			cfg.MediaStorage.SecretAccessKey,
			"",
		)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("mediaurl: new session: %w", err)
	}

	ttl := cfg.MediaStorage.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &Presigner{
		client: s3.New(sess),
		bucket: cfg.MediaStorage.Bucket,
		prefix: cfg.MediaStorage.KeyPrefix,
		ttl:    ttl,
	}, nil
}

// Configured reports whether a bucket was set up for this deployment.
func (p *Presigner) Configured() bool {
	return p.client != nil
}

// PresignGet returns a time-limited URL that GETs the object at key,
// joined under the configured key prefix.
func (p *Presigner) PresignGet(key string) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("mediaurl: no bucket configured")
	}
	fullKey := key
	if p.prefix != "" {
		fullKey = p.prefix + "/" + key
	}
	req, _ := p.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(fullKey),
	})
	url, err := req.Presign(p.ttl)
	if err != nil {
		return "", fmt.Errorf("mediaurl: presign %s: %w", fullKey, err)
	}
	return url, nil
}
