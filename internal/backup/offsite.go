package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/wgconf"
)

// Offsite keeps copies of finished archives away from the host.
type Offsite interface {
	Upload(ctx context.Context, tunnel, localPath string) error
	List(ctx context.Context, tunnel string) ([]string, error)
	Fetch(ctx context.Context, tunnel, filename, dest string) error
}

// S3Options configures an S3Offsite.
type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Offsite stores archives as <bucket>/<tunnel>/<filename> in any
// S3-compatible object store.
type S3Offsite struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

func NewS3Offsite(opts S3Options, logger zerolog.Logger) *S3Offsite {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	s3opts := s3.Options{
		Region:                     region,
		Credentials:                credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		UsePathStyle:               true,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return &S3Offsite{
		client: s3.New(s3opts),
		bucket: opts.Bucket,
		logger: logger.With().Str("component", "backup-offsite").Logger(),
	}
}

func objectKey(tunnel, filename string) string {
	return path.Join(tunnel, filename)
}

func (o *S3Offsite) Upload(ctx context.Context, tunnel, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	key := objectKey(tunnel, filepath.Base(localPath))
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String("application/x-7z-compressed"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	o.logger.Info().Str("bucket", o.bucket).Str("key", key).Int64("bytes", st.Size()).Msg("archive uploaded")
	return nil
}

// List returns the archive names stored for tunnel, newest name first.
func (o *S3Offsite) List(ctx context.Context, tunnel string) ([]string, error) {
	prefix := tunnel + "/"
	var names []string
	p := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			names = append(names, path.Base(aws.ToString(obj.Key)))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Fetch downloads one archive to dest.
func (o *S3Offsite) Fetch(ctx context.Context, tunnel, filename, dest string) error {
	key := objectKey(tunnel, filename)
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return wgconf.WriteAtomic(dest, data, 0o600)
}
