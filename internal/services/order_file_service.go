package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/observability"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

// Caller identifies who performs an order file operation.
type Caller struct {
	UserID string
	Admin  bool
}

// OrderFileService stores files attached to a whole order or to one of its
// items, under the order number in the orders bucket.
type OrderFileService struct {
	DB           *gorm.DB
	Store        storage.ObjectStore
	Bucket       string
	URLTTL       time.Duration
	MaxFileBytes int64
}

// load resolves orderKey (UUID or order number) and checks access.
func (s *OrderFileService) load(ctx context.Context, orderKey string, c Caller) (*domain.Order, error) {
	o, err := repo.GetOrder(ctx, s.DB, orderKey)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if !c.Admin && o.UserID != c.UserID {
		return nil, ErrForbidden
	}
	return o, nil
}

func hasItem(o *domain.Order, n int) bool {
	for _, it := range o.Items {
		if it.ItemNumber == n {
			return true
		}
	}
	return false
}

// Upload stores f for the order, or for item itemNumber when it is set, and
// records its row. A file with the same sanitized name at the same scope is
// rejected with ErrFileExists rather than overwritten.
func (s *OrderFileService) Upload(ctx context.Context, orderKey string, itemNumber *int, f FileInput, c Caller) (out *domain.OrderFile, err error) {
	ctx, span := observability.StartSpan(ctx, "OrderFileService.Upload", attribute.String("order.key", orderKey))
	defer func() { observability.EndSpan(span, err) }()

	if s.Store == nil {
		return nil, ErrStorageUnavailable
	}
	if s.MaxFileBytes > 0 && f.Size > s.MaxFileBytes {
		return nil, &FilesTooLargeError{Limit: s.MaxFileBytes, Files: []OversizeFile{{Name: f.Name, Size: f.Size}}}
	}
	o, err := s.load(ctx, orderKey, c)
	if err != nil {
		return nil, err
	}

	var key string
	if itemNumber != nil {
		if !hasItem(o, *itemNumber) {
			return nil, ErrItemNotFound
		}
		key = storage.ItemAttachmentKey(o.OrderNumber, *itemNumber, f.Name)
	} else {
		key = storage.OrderAttachmentKey(o.OrderNumber, f.Name)
	}
	for _, existing := range o.Files {
		if existing.StoragePath == key {
			return nil, ErrFileExists
		}
	}

	ct := contentType(f)
	if err = s.Store.Put(ctx, s.Bucket, key, f.Body, f.Size, ct); err != nil {
		return nil, err
	}
	row := &domain.OrderFile{
		OrderID:     o.ID,
		ItemNumber:  itemNumber,
		FileName:    f.Name,
		MimeType:    ct,
		Size:        f.Size,
		StoragePath: key,
	}
	if err = repo.CreateOrderFile(ctx, s.DB, row); err != nil {
		// A concurrent upload of the same name owns the object now.
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrFileExists
		}
		if rerr := s.Store.Remove(context.WithoutCancel(ctx), s.Bucket, key); rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Str("key", key).Msg("remove orphaned order file failed")
		}
		return nil, err
	}
	row.URL, _ = s.Store.SignedURL(ctx, s.Bucket, key, s.URLTTL)
	return row, nil
}

// List returns the files of an order (or of one item) with signed URLs.
func (s *OrderFileService) List(ctx context.Context, orderKey string, itemNumber *int, c Caller) ([]domain.OrderFile, error) {
	o, err := s.load(ctx, orderKey, c)
	if err != nil {
		return nil, err
	}
	files, err := repo.ListOrderFiles(ctx, s.DB, o.ID, itemNumber)
	if err != nil {
		return nil, err
	}
	for i := range files {
		u, err := s.Store.SignedURL(ctx, s.Bucket, files[i].StoragePath, s.URLTTL)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("file_id", files[i].ID).Msg("sign order file url failed")
			continue
		}
		files[i].URL = u
	}
	if files == nil {
		files = []domain.OrderFile{}
	}
	return files, nil
}

// Delete removes one file row and its object.
func (s *OrderFileService) Delete(ctx context.Context, orderKey, fileID string, c Caller) error {
	o, err := s.load(ctx, orderKey, c)
	if err != nil {
		return err
	}
	f, err := repo.GetOrderFile(ctx, s.DB, o.ID, fileID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrFileNotFound
	}
	if err != nil {
		return err
	}
	if err := repo.DeleteOrderFile(ctx, s.DB, f.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrFileNotFound
		}
		return err
	}
	if err := s.Store.Remove(ctx, s.Bucket, f.StoragePath); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", f.StoragePath).Msg("remove order file object failed")
	}
	return nil
}
