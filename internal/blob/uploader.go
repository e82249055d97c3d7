// Package blob stores exported image packs in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go-replicate-studio/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"
)

const PackPrefix = "packs/"

var ErrNotConfigured = errors.New("object storage is not configured (set S3Bucket)")

// objectAPI is the part of the S3 client the uploader uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Uploader puts packs into a bucket and resolves their public URLs.
type Uploader struct {
	client     objectAPI
	bucket     string
	region     string
	endpoint   string
	publicBase string
}

// NewUploader builds an uploader from the S3 settings. Credentials come from
// the default AWS chain (env, shared config, instance role).
func NewUploader(ctx context.Context, cfg models.Config) (*Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, ErrNotConfigured
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	log.WithFields(log.Fields{"bucket": cfg.S3Bucket, "region": region}).Debug("Initialising S3 client")

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newUploader(client, cfg.S3Bucket, region, cfg.S3Endpoint, cfg.S3PublicBaseURL), nil
}

func newUploader(client objectAPI, bucket, region, endpoint, publicBase string) *Uploader {
	return &Uploader{
		client:     client,
		bucket:     bucket,
		region:     region,
		endpoint:   strings.TrimRight(endpoint, "/"),
		publicBase: strings.TrimRight(publicBase, "/"),
	}
}

// ObjectKey is where a pack lives in the bucket.
func ObjectKey(packID string) string {
	return PackPrefix + packID + ".zip"
}

// PublicURL resolves the URL an uploaded object is reachable at.
func (u *Uploader) PublicURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case u.publicBase != "":
		return u.publicBase + "/" + escaped
	case u.endpoint != "":
		return u.endpoint + "/" + u.bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, escaped)
	}
}

// UploadPack stores a zipped pack and returns its URL.
func (u *Uploader) UploadPack(ctx context.Context, packID string, zipped []byte) (string, error) {
	key := ObjectKey(packID)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(zipped),
		ContentLength: aws.Int64(int64(len(zipped))),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	location := u.PublicURL(key)
	log.WithFields(log.Fields{"key": key, "bytes": len(zipped)}).Info("Uploaded image pack")
	return location, nil
}

// DownloadPack fetches a zipped pack by id.
func (u *Uploader) DownloadPack(ctx context.Context, packID string) ([]byte, error) {
	key := ObjectKey(packID)
	out, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Exists reports whether a pack was already uploaded.
func (u *Uploader) Exists(ctx context.Context, packID string) (bool, error) {
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(ObjectKey(packID)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check pack %s: %w", packID, err)
	}
	return true, nil
}

// ListPacks returns the ids of every uploaded pack.
func (u *Uploader) ListPacks(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(PackPrefix),
	})
	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list packs: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(*obj.Key, PackPrefix), ".zip")
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
