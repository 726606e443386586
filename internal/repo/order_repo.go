// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for orders, their
// items and files.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

// ErrStaleStatus is returned by conditional status updates when the order
// is no longer in the expected state.
var ErrStaleStatus = errors.New("order status changed concurrently")

// newOrderNumber returns a short human-facing order key such as "PF-1A2B3C4D".
func newOrderNumber() string {
	return "PF-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// CreateOrder inserts an order with its items in one transaction. Items are
// numbered 1..n in the given order. A colliding order number is retried.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	now := time.Now().UTC()
	o.ID = uuid.NewString()
	o.Status = domain.StatusCreated
	o.CreatedAt, o.UpdatedAt = now, now
	for i := range o.Items {
		o.Items[i].ID = uuid.NewString()
		o.Items[i].OrderID = o.ID
		o.Items[i].ItemNumber = i + 1
		if o.Items[i].Quantity < 1 {
			o.Items[i].Quantity = 1
		}
		o.Items[i].CreatedAt, o.Items[i].UpdatedAt = now, now
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		o.OrderNumber = newOrderNumber()
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(o).Error
		})
		if err == nil || !isUniqueViolation(err) {
			return err
		}
	}
	return ErrDuplicate
}

// GetOrder resolves key as either the UUID or the order number and loads
// items and files.
func GetOrder(ctx context.Context, db *gorm.DB, key string) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("item_number ASC") }).
		Preload("Files", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC, id ASC") }).
		Where("id = ? OR order_number = ?", key, key).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByUser returns a user's orders, newest first.
func ListOrdersByUser(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateOrderStatus moves order id from one status to another only if it is
// still in from. ErrStaleStatus reports a lost race.
func UpdateOrderStatus(ctx context.Context, db *gorm.DB, id string, from, to domain.OrderStatus) error {
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// UpdateOrderAddress replaces the address block.
func UpdateOrderAddress(ctx context.Context, db *gorm.DB, id string, addr domain.Address) error {
	res := db.WithContext(ctx).
		Model(&domain.Order{ID: id}).
		Select("addr_full_name", "addr_line1", "addr_line2", "addr_city", "addr_postal_code", "addr_country", "addr_phone", "updated_at").
		Updates(&domain.Order{Address: addr, UpdatedAt: time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetOrderQuote stores the quote and commission and moves the order from
// submitted to quote_ready in one statement.
func SetOrderQuote(ctx context.Context, db *gorm.DB, id string, quoteCents, commissionCents int64) error {
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, domain.StatusSubmitted).
		Updates(map[string]any{
			"quote_cents":      quoteCents,
			"commission_cents": commissionCents,
			"status":           domain.StatusQuoteReady,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// UpdateItemTracking stores the carrier tracking number of one order item.
func UpdateItemTracking(ctx context.Context, db *gorm.DB, orderID string, itemNumber int, tracking string) error {
	res := db.WithContext(ctx).
		Model(&domain.OrderItem{}).
		Where("order_id = ? AND item_number = ?", orderID, itemNumber).
		Update("tracking_number", tracking)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteOrder removes an order with its items and file rows. The caller
// removes the stored objects.
func DeleteOrder(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&domain.OrderFile{}).Error; err != nil {
			return err
		}
		if err := tx.Where("order_id = ?", id).Delete(&domain.OrderItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// CreateOrderFile inserts a file row. A second row for the same storage
// path returns ErrDuplicate.
func CreateOrderFile(ctx context.Context, db *gorm.DB, f *domain.OrderFile) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(f).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ListOrderFiles returns the files of an order, optionally narrowed to one
// item, oldest first.
func ListOrderFiles(ctx context.Context, db *gorm.DB, orderID string, itemNumber *int) ([]domain.OrderFile, error) {
	var out []domain.OrderFile
	q := db.WithContext(ctx).Where("order_id = ?", orderID)
	if itemNumber != nil {
		q = q.Where("item_number = ?", *itemNumber)
	}
	err := q.Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// GetOrderFile fetches one file row of an order.
func GetOrderFile(ctx context.Context, db *gorm.DB, orderID, fileID string) (*domain.OrderFile, error) {
	var f domain.OrderFile
	if err := db.WithContext(ctx).Where("order_id = ? AND id = ?", orderID, fileID).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteOrderFile removes one file row.
func DeleteOrderFile(ctx context.Context, db *gorm.DB, fileID string) error {
	res := db.WithContext(ctx).Where("id = ?", fileID).Delete(&domain.OrderFile{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
