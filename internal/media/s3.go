// Package media persists tool-produced artifacts and hands back URLs the
// chat transport can serve to clients.
package media

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/tools"
)

// S3Config configures an S3-compatible artifact store.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	KeyPrefix    string
	UsePathStyle bool

	// PublicURL, when set, is the base for returned URLs instead of the
	// s3:// form. Used when a CDN or reverse proxy fronts the bucket.
	PublicURL string
}

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads artifacts to an S3-compatible bucket and implements the
// engine's MediaStore.
type S3Store struct {
	client    s3API
	bucket    string
	prefix    string
	publicURL string
	newID     func() string
}

// NewS3Store loads AWS configuration from the environment and returns a
// ready store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg), nil
}

func newS3Store(client s3API, cfg S3Config) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    strings.TrimSpace(cfg.Bucket),
		prefix:    strings.Trim(cfg.KeyPrefix, "/"),
		publicURL: strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/"),
		newID:     uuid.NewString,
	}
}

// Store uploads one artifact and returns its URL. Object keys are random,
// with an extension derived from the media type so downloads get sensible
// filenames.
func (s *S3Store) Store(ctx context.Context, artifact tools.Artifact) (string, error) {
	key := s.objectKey(artifact)

	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(artifact.Data),
	}
	if artifact.MediaType != "" {
		input.ContentType = aws.String(artifact.MediaType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}

	if s.publicURL != "" {
		return s.publicURL + "/" + key, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) objectKey(artifact tools.Artifact) string {
	name := artifact.Filename
	if name == "" {
		name = s.newID() + extensionFor(artifact.MediaType)
	} else {
		// Prefix keeps user-supplied filenames collision-free.
		name = s.newID() + "-" + path.Base(name)
	}
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func extensionFor(mediaType string) string {
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
