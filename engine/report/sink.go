package report

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores a finished report.
type Sink interface {
	Put(ctx context.Context, body []byte, contentType string) error
	String() string
}

// S3Options configures the S3 sink. Credentials come from the default chain.
type S3Options struct {
	Region    string
	Endpoint  string // optional, for S3-compatible stores
	PathStyle bool
}

// OpenSink returns a sink for dest: an s3://bucket/key URL or a file path.
func OpenSink(ctx context.Context, dest string, opts S3Options) (Sink, error) {
	if !strings.HasPrefix(dest, "s3://") {
		return FileSink{Path: dest}, nil
	}
	bucket, key, err := parseS3URL(dest)
	if err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("report: s3 client: %w", err)
	}
	return &S3Sink{Client: client, Bucket: bucket, Key: key}, nil
}

func parseS3URL(dest string) (bucket, key string, err error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", "", fmt.Errorf("report: bad destination %q: %w", dest, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("report: destination %q needs a bucket and a key", dest)
	}
	return u.Host, key, nil
}

func newS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.PathStyle {
			o.UsePathStyle = true
		}
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// FileSink writes the report to a local file, replacing it atomically.
type FileSink struct {
	Path string
}

func (f FileSink) Put(_ context.Context, body []byte, _ string) error {
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (f FileSink) String() string { return f.Path }

// ObjectPutter is the part of *s3.Client the sink uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads the report as one object.
type S3Sink struct {
	Client ObjectPutter
	Bucket string
	Key    string
}

func (s *S3Sink) Put(ctx context.Context, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.Client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("report: put s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	return nil
}

func (s *S3Sink) String() string { return "s3://" + s.Bucket + "/" + s.Key }

// Publish encodes stats and stores them in sink. A failure is logged by the
// collector and returned, but callers must not fail the run over it.
func (c *Collector) Publish(ctx context.Context, sink Sink, stats *Stats) error {
	if sink == nil {
		return nil
	}
	body, err := stats.JSON()
	if err == nil {
		err = sink.Put(ctx, body, "application/json")
	}
	if err != nil {
		c.reportingFailed(err)
		return err
	}
	c.opts.Logger.Info("report: written", "run_id", c.opts.RunID, "dest", sink.String())
	return nil
}
