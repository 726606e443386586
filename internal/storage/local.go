package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LocalStore keeps objects under Dir/<bucket>/<key> and signs URLs with an
// HMAC over "<bucket>/<key>:<expiresUnix>".
type LocalStore struct {
	Dir     string
	Secret  string
	BaseURL string // prefix for signed URLs, e.g. https://api.example.com; empty yields relative URLs

	// Now is the clock used for expiry; tests override it.
	Now func() time.Time
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(dir, secret, baseURL string) (*LocalStore, error) {
	if secret == "" {
		return nil, errors.New("local storage requires a signing secret")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{Dir: dir, Secret: secret, BaseURL: baseURL, Now: time.Now}, nil
}

func (s *LocalStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *LocalStore) path(bucket, key string) (string, error) {
	if !ValidKey(bucket) || !ValidKey(key) {
		return "", fmt.Errorf("invalid object key %q", bucket+"/"+key)
	}
	return filepath.Join(s.Dir, filepath.FromSlash(bucket), filepath.FromSlash(key)), nil
}

// Put writes the object atomically through a temp file in the same directory.
func (s *LocalStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, r))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short write: got %d bytes, want %d", n, size)
	}
	return os.Rename(tmp.Name(), p)
}

// Remove deletes every key, ignoring ones that are already gone.
func (s *LocalStore) Remove(ctx context.Context, bucket string, keys ...string) error {
	var first error
	for _, k := range keys {
		p, err := s.path(bucket, k)
		if err == nil {
			err = os.Remove(p)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}

// SignedURL returns "<BaseURL>/files/<bucket>/<key>?expires=<unix>&sig=<hex>".
// The object must exist.
func (s *LocalStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(bucket, key, exp))
	u := url.URL{Path: "/files/" + bucket + "/" + key, RawQuery: q.Encode()}
	return s.BaseURL + u.String(), nil
}

// Verify checks the signature and expiry carried by a signed URL.
func (s *LocalStore) Verify(bucket, key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(bucket, key, exp))) {
		return ErrBadSignature
	}
	return nil
}

// Open streams an object back.
func (s *LocalStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, ErrNotFound
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, err
	}
	ct := mime.TypeByExtension(filepath.Ext(p))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return f, ObjectInfo{Size: st.Size(), ContentType: ct, ModTime: st.ModTime()}, nil
}

func (s *LocalStore) sign(bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	fmt.Fprintf(mac, "%s/%s:%d", bucket, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
