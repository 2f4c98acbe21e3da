package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pricestat/internal/config"
)

// Uploader stores a blob under key and returns a reference to it.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3{client: client, bucket: cfg.S3Bucket, publicBase: cfg.BlobPublicBaseURL}, nil
	}
	baseDir := cfg.BlobDir
	if baseDir == "" {
		baseDir = "./output"
	}
	return &Local{BaseDir: baseDir, PublicBase: cfg.BlobPublicBaseURL}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// SanitizeKey strips leading separators and dot segments so keys stay inside the target root.
func SanitizeKey(key string) string {
	key = path.Clean("/" + filepath.ToSlash(key))
	return strings.TrimPrefix(key, "/")
}

// Local writes blobs below BaseDir. With PublicBase set the reference is a URL, otherwise a
// filesystem path.
type Local struct {
	BaseDir    string
	PublicBase string
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = SanitizeKey(key)
	p := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.PublicBase != "" {
		return publicURL(l.PublicBase, key), nil
	}
	return p, nil
}

// S3 puts blobs into a bucket.
type S3 struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

func (s *S3) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = SanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicBase != "" {
		return publicURL(s.publicBase, key), nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func publicURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
