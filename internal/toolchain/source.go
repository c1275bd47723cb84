package toolchain

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Source yields the bytes of one toolchain artifact.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// S3Options configures s3:// sources. Credentials come from the default
// AWS chain.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// MinIOOptions configures minio:// sources.
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// SourceOptions holds backend settings shared by every parsed source.
type SourceOptions struct {
	HTTPClient *http.Client
	S3         S3Options
	MinIO      MinIOOptions
}

// ParseSource maps a location to a Source:
//
//	./zig.wasm, /abs/path, file:///abs/path  local file
//	http://..., https://...                  HTTP GET
//	s3://bucket/key                          AWS S3 (or compatible endpoint)
//	minio://bucket/key                       MinIO with static credentials
func ParseSource(location string, opts SourceOptions) (Source, error) {
	if location == "" {
		return nil, fmt.Errorf("source location is empty")
	}
	if !strings.Contains(location, "://") {
		return &FileSource{Path: location}, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parsing source %q: %w", location, err)
	}
	switch u.Scheme {
	case "file":
		return &FileSource{Path: u.Path}, nil
	case "http", "https":
		client := opts.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		return &HTTPSource{URL: location, Client: client}, nil
	case "s3", "minio":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("source %q: want %s://bucket/key", location, u.Scheme)
		}
		if u.Scheme == "s3" {
			return &S3Source{Bucket: u.Host, Key: key, Options: opts.S3}, nil
		}
		if opts.MinIO.Endpoint == "" {
			return nil, fmt.Errorf("source %q: minio endpoint is required", location)
		}
		return &MinIOSource{Bucket: u.Host, Key: key, Options: opts.MinIO}, nil
	default:
		return nil, fmt.Errorf("source %q: unsupported scheme %q", location, u.Scheme)
	}
}

// FileSource reads a local file.
type FileSource struct {
	Path string
}

func (s *FileSource) Open(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.Path, err)
	}
	return f, nil
}

func (s *FileSource) String() string { return s.Path }

// HTTPSource downloads a URL.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", s.URL, err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", s.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: unexpected status %s", s.URL, resp.Status)
	}
	return resp.Body, nil
}

func (s *HTTPSource) String() string { return s.URL }

// S3Source reads an object through the AWS SDK.
type S3Source struct {
	Bucket  string
	Key     string
	Options S3Options
}

func (s *S3Source) Open(ctx context.Context) (io.ReadCloser, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if s.Options.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s.Options.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Options.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Options.Endpoint)
		}
		o.UsePathStyle = s.Options.PathStyle
	})

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object %s: %w", s, err)
	}
	return out.Body, nil
}

func (s *S3Source) String() string { return "s3://" + s.Bucket + "/" + s.Key }

// MinIOSource reads an object from a MinIO deployment.
type MinIOSource struct {
	Bucket  string
	Key     string
	Options MinIOOptions
}

func (s *MinIOSource) Open(ctx context.Context) (io.ReadCloser, error) {
	client, err := minio.New(s.Options.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.Options.AccessKey, s.Options.SecretKey, ""),
		Secure: s.Options.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	obj, err := client.GetObject(ctx, s.Bucket, s.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get object %s: %w", s, err)
	}
	// GetObject is lazy; Stat surfaces missing objects before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("minio stat object %s: %w", s, err)
	}
	return obj, nil
}

func (s *MinIOSource) String() string { return "minio://" + s.Bucket + "/" + s.Key }
