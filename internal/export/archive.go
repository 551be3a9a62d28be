package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores a rendered export and returns a URL it can be fetched from.
type Archiver interface {
	Store(ctx context.Context, ownerID int64, res *Result) (string, error)
}

// MinioArchive keeps exports in an S3-compatible bucket and hands out
// presigned download links.
type MinioArchive struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	now    func() time.Time
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LinkTTL   time.Duration
}

func NewMinioArchive(opts MinioOptions) (*MinioArchive, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	expiry := opts.LinkTTL
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &MinioArchive{client: client, bucket: opts.Bucket, expiry: expiry, now: time.Now}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *MinioArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *MinioArchive) Store(ctx context.Context, ownerID int64, res *Result) (string, error) {
	key := objectKey(ownerID, a.now(), res.Filename)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(res.Data), int64(len(res.Data)), minio.PutObjectOptions{
		ContentType:        res.MimeType,
		ContentDisposition: `attachment; filename="` + res.Filename + `"`,
	})
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}

	link, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign export: %w", err)
	}
	return link.String(), nil
}

func objectKey(ownerID int64, at time.Time, filename string) string {
	return path.Join("exports", strconv.FormatInt(ownerID, 10), at.UTC().Format("20060102T150405Z")+"-"+filename)
}
