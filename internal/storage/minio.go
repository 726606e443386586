package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinioStore stores objects in an S3-compatible service.
type MinioStore struct {
	client *minio.Client
}

// MinioOptions configures NewMinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Buckets   []string // created (private) when missing
}

// NewMinioStore connects and makes sure every bucket exists. Buckets stay
// private; access goes through presigned URLs only.
func NewMinioStore(ctx context.Context, opt MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opt.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opt.AccessKey, opt.SecretKey, ""),
		Secure: opt.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	for _, b := range opt.Buckets {
		exists, err := client.BucketExists(ctx, b)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := client.MakeBucket(ctx, b, minio.MakeBucketOptions{}); err != nil {
				return nil, err
			}
			log.Info().Str("bucket", b).Msg("created bucket")
		}
	}
	return &MinioStore{client: client}, nil
}

// Put uploads an object.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Remove deletes every key in one batch request.
func (s *MinioStore) Remove(ctx context.Context, bucket string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	objs := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objs <- minio.ObjectInfo{Key: k}
	}
	close(objs)

	var first error
	for res := range s.client.RemoveObjects(ctx, bucket, objs, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && first == nil {
			first = res.Err
		}
	}
	return first
}

// SignedURL returns a presigned GET URL valid for ttl. The object must exist.
func (s *MinioStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Open streams an object back.
func (s *MinioStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, err
	}
	return obj, ObjectInfo{Size: st.Size, ContentType: st.ContentType, ModTime: st.LastModified}, nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
