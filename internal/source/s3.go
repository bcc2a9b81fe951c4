package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures access to S3-compatible storage.
type S3Config struct {
	Region    string `env:"S3_REGION" yaml:"region"`
	Endpoint  string `env:"S3_ENDPOINT" yaml:"endpoint"`
	AccessKey string `env:"S3_ACCESS_KEY" yaml:"access_key"`
	SecretKey string `env:"S3_SECRET_KEY" yaml:"secret_key"`
	PathStyle bool   `env:"S3_PATH_STYLE" yaml:"path_style"`
}

// Enabled reports whether enough is configured to build a client.
func (c S3Config) Enabled() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// S3 reads objects addressed as s3://bucket/key.
type S3 struct {
	client *s3.Client
}

// NewS3 builds an S3 source with static credentials.
func NewS3(cfg S3Config) (*S3, error) {
	if !cfg.Enabled() {
		return nil, errors.New("source: s3 access key and secret key are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return &S3{client: s3.New(s3.Options{}, opts...)}, nil
}

func (s *S3) Stat(ctx context.Context, p string) (Info, error) {
	bucket, key, err := parseS3Path(p)
	if err != nil {
		return Info{}, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Info{}, wrapS3Error(err)
	}

	return Info{Name: path.Base(key), Size: aws.ToInt64(out.ContentLength)}, nil
}

func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	bucket, key, err := parseS3Path(p)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapS3Error(err)
	}
	return out.Body, nil
}

func parseS3Path(p string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(p, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not an s3 path", ErrUnreadable, p)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q must look like s3://bucket/key", ErrUnreadable, p)
	}
	return bucket, key, nil
}

// wrapS3Error folds SDK errors into ErrUnreadable, keeping the API code in the message.
func wrapS3Error(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: object not found", ErrUnreadable)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %v", ErrUnreadable, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%w: %v", ErrUnreadable, err)
}
