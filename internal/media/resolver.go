// Package media turns stored media references into URLs a platform can fetch.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"content-publisher/internal/config"
)

// ErrUnsupportedRef is returned for references that are neither http(s) nor s3.
var ErrUnsupportedRef = errors.New("unsupported media reference")

// Presigner signs GET requests for objects. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Resolver maps references to fetchable URLs. http(s) URLs pass through; s3://bucket/key and bare
// keys (in the default bucket) become presigned GET URLs.
type Resolver struct {
	presigner     Presigner
	defaultBucket string
	ttl           time.Duration
}

// NewResolver builds a resolver. presigner may be nil, in which case s3 references fail.
func NewResolver(presigner Presigner, defaultBucket string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{presigner: presigner, defaultBucket: defaultBucket, ttl: ttl}
}

// New builds a resolver backed by S3 from cfg.
func New(ctx context.Context, cfg config.Config) (*Resolver, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewResolver(s3.NewPresignClient(client), cfg.MediaS3Bucket, cfg.MediaPresignTTL), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.MediaS3AccessKey, cfg.MediaS3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MediaS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MediaS3Endpoint)
		}
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Resolve converts every reference, failing on the first that cannot be resolved.
func (r *Resolver) Resolve(ctx context.Context, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := r.resolve(ctx, strings.TrimSpace(ref))
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty reference: %w", ErrUnsupportedRef)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse media reference %q: %w", ref, err)
	}
	switch u.Scheme {
	case "http", "https":
		return ref, nil
	case "s3":
		return r.presign(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "":
		if r.defaultBucket == "" {
			return "", fmt.Errorf("%q has no bucket and none is configured: %w", ref, ErrUnsupportedRef)
		}
		return r.presign(ctx, r.defaultBucket, strings.TrimPrefix(ref, "/"))
	default:
		return "", fmt.Errorf("%q: %w", ref, ErrUnsupportedRef)
	}
}

func (r *Resolver) presign(ctx context.Context, bucket, key string) (string, error) {
	if r.presigner == nil {
		return "", fmt.Errorf("s3 media is not configured: %w", ErrUnsupportedRef)
	}
	if bucket == "" || key == "" {
		return "", fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrUnsupportedRef)
	}
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}
