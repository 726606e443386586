// Package storage abstracts the object store that holds chat attachments and
// order files. Objects are private; read access is granted through
// time-limited signed URLs re-derived on every read.
//
// Two backends are provided:
//   - MinioStore, an S3-compatible store signing with presigned GET URLs.
//   - LocalStore, a directory on disk signing with HMAC-SHA256 query
//     parameters and served by the API under /files.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrBadSignature is returned when a signed URL is malformed, tampered with
// or expired.
var ErrBadSignature = errors.New("invalid or expired signature")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ModTime     time.Time
}

// ObjectStore is the minimal surface the services need.
//
// Remove is best effort for its callers: it attempts every key and returns
// the first error encountered, if any. Removing a missing key is not an error.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, bucket string, keys ...string) error
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Opener is implemented by stores that can stream objects back through the
// API (the local backend).
type Opener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
}
