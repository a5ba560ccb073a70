// Package media opens the files attached to an event, wherever the content
// pipeline left them: on local disk, behind an http(s) URL, or in S3.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/domain"
)

// ErrTooLarge is returned by ReadAll when a file exceeds the size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// ObjectGetter is the subset of the S3 client the opener uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures an Opener.
type Options struct {
	BaseDir    string // resolves relative paths
	HTTPClient *http.Client
	S3         ObjectGetter // nil disables s3:// references
}

// Opener resolves file references to readers.
type Opener struct {
	baseDir string
	http    *http.Client
	s3      ObjectGetter
}

// New creates an Opener.
func New(opts Options) *Opener {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Opener{baseDir: opts.BaseDir, http: opts.HTTPClient, s3: opts.S3}
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Open returns a reader for f. The caller closes it.
func (o *Opener) Open(ctx context.Context, f domain.FileRef) (io.ReadCloser, error) {
	loc := f.Location()
	if loc == "" {
		return nil, adapter.NewError(adapter.KindValidation, "open "+f.Name, errors.New("file has no location"))
	}

	switch {
	case strings.HasPrefix(loc, "s3://"):
		return o.openS3(ctx, loc)
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return o.openHTTP(ctx, loc)
	default:
		return o.openLocal(strings.TrimPrefix(loc, "file://"))
	}
}

// ReadAll reads f fully, failing when it is larger than max bytes.
// A non-positive max disables the limit.
func (o *Opener) ReadAll(ctx context.Context, f domain.FileRef, max int64) ([]byte, error) {
	rc, err := o.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if max > 0 {
		r = io.LimitReader(rc, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if max > 0 && int64(len(data)) > max {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", f.Name, ErrTooLarge, max)
	}
	return data, nil
}

func (o *Opener) openLocal(path string) (io.ReadCloser, error) {
	if !filepath.IsAbs(path) && o.baseDir != "" {
		path = filepath.Join(o.baseDir, path)
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, adapter.NewError(adapter.KindValidation, "open "+path, err)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return file, nil
}

func (o *Opener) openHTTP(ctx context.Context, loc string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", loc, err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", loc, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, adapter.StatusError("fetch "+loc, resp.StatusCode, nil)
	}
	return resp.Body, nil
}

func (o *Opener) openS3(ctx context.Context, loc string) (io.ReadCloser, error) {
	if o.s3 == nil {
		return nil, adapter.Unavailable("open "+loc, "s3 is not configured")
	}
	bucket, key, err := ParseS3URL(loc)
	if err != nil {
		return nil, err
	}
	out, err := o.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object %s: %w", loc, err)
	}
	return out.Body, nil
}

// ParseS3URL splits "s3://bucket/key" into its parts.
func ParseS3URL(loc string) (bucket, key string, err error) {
	u, err := url.Parse(loc)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid s3 url %q", loc)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q must name a bucket and key", loc)
	}
	return bucket, key, nil
}
