package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/utils"
)

type orderKeyArgs struct {
	OrderKey string `json:"order_key" binding:"required"`
}

type itemArgs struct {
	Name       string `json:"name"        binding:"required,max=255"`
	ProductURL string `json:"product_url" binding:"omitempty,url"`
	Quantity   *int   `json:"quantity"    binding:"omitempty,gte=1,lte=1000"` // 1 when omitted
}

type createOrderArgs struct {
	Items   []itemArgs     `json:"items"   binding:"required,min=1,max=50,dive"`
	Address domain.Address `json:"address"`
	Notes   string         `json:"notes"   binding:"max=4000"`
}

// loadOrder resolves key (UUID or order number) and checks the caller may
// see it.
func (p *Procedures) loadOrder(ctx context.Context, c Caller, key string) (*domain.Order, error) {
	o, err := repo.GetOrder(ctx, p.DB, strings.TrimSpace(key))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, newErr(KindNotFound, CodeOrderNotFound, "order %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	if !c.Admin && o.UserID != c.UserID {
		return nil, forbidden()
	}
	return o, nil
}

func badTransition(from, to domain.OrderStatus) *Error {
	return newErr(KindConflict, CodeInvalidStatusTransition, "cannot move order from %s to %s", from, to)
}

// transition moves o to `to` if the lifecycle allows it. A concurrent
// change surfaces as an invalid transition.
func (p *Procedures) transition(ctx context.Context, o *domain.Order, to domain.OrderStatus) (*domain.Order, error) {
	if !o.Status.CanTransition(to) {
		return nil, badTransition(o.Status, to)
	}
	if err := repo.UpdateOrderStatus(ctx, p.DB, o.ID, o.Status, to); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			return nil, badTransition(o.Status, to)
		}
		return nil, err
	}
	return repo.GetOrder(ctx, p.DB, o.ID)
}

func (p *Procedures) createOrder(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a createOrderArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o := &domain.Order{UserID: c.UserID, Address: a.Address, Notes: strings.TrimSpace(a.Notes)}
	for _, it := range a.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			return nil, invalid("item name must not be blank")
		}
		qty := 1
		if it.Quantity != nil {
			qty = *it.Quantity
		}
		o.Items = append(o.Items, domain.OrderItem{Name: name, ProductURL: it.ProductURL, Quantity: qty})
	}
	if err := repo.CreateOrder(ctx, p.DB, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *Procedures) getOrder(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a orderKeyArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	return p.loadOrder(ctx, c, a.OrderKey)
}

type pageArgs struct {
	Page     int `json:"page"      binding:"gte=0"`
	PageSize int `json:"page_size" binding:"gte=0,lte=100"`
}

func (a pageArgs) bounds() (offset, limit int) {
	_, limit, offset = utils.PageBounds(a.Page, a.PageSize)
	return offset, limit
}

func (p *Procedures) listMyOrders(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a pageArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	offset, limit := a.bounds()
	out, err := repo.ListOrdersByUser(ctx, p.DB, c.UserID, offset, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Order{}
	}
	return out, nil
}

// submitOrder hands a drafted order to staff for quoting. Only the owner
// may submit.
func (p *Procedures) submitOrder(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a orderKeyArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	if o.UserID != c.UserID {
		return nil, forbidden()
	}
	return p.transition(ctx, o, domain.StatusSubmitted)
}

// cancelOrder lets the owner withdraw an order until it is being prepared.
func (p *Procedures) cancelOrder(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a orderKeyArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	if o.UserID != c.UserID && !c.Admin {
		return nil, forbidden()
	}
	return p.transition(ctx, o, domain.StatusCancelled)
}

type addressArgs struct {
	OrderKey string         `json:"order_key" binding:"required"`
	Address  domain.Address `json:"address"`
}

func (p *Procedures) updateOrderAddress(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a addressArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	if !o.Status.Editable() {
		return nil, newErr(KindConflict, CodeOrderNotEditable, "order in status %s can no longer be edited", o.Status)
	}
	if err := repo.UpdateOrderAddress(ctx, p.DB, o.ID, a.Address); err != nil {
		return nil, err
	}
	return repo.GetOrder(ctx, p.DB, o.ID)
}

type trackingArgs struct {
	OrderKey       string `json:"order_key"       binding:"required"`
	ItemNumber     int    `json:"item_number"     binding:"required,gte=1"`
	TrackingNumber string `json:"tracking_number" binding:"max=128"`
}

// updateItemTracking stores a carrier tracking number for one item. Staff
// save these as they type, so an unchanged value is accepted.
func (p *Procedures) updateItemTracking(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a trackingArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	err = repo.UpdateItemTracking(ctx, p.DB, o.ID, a.ItemNumber, strings.TrimSpace(a.TrackingNumber))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, newErr(KindNotFound, CodeItemNotFound, "order %s has no item %d", o.OrderNumber, a.ItemNumber)
	}
	if err != nil {
		return nil, err
	}
	return repo.GetOrder(ctx, p.DB, o.ID)
}

type statusArgs struct {
	OrderKey string             `json:"order_key" binding:"required"`
	Status   domain.OrderStatus `json:"status"    binding:"required"`
}

func (p *Procedures) adminUpdateOrderStatus(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a statusArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	if !a.Status.Valid() {
		return nil, invalid("unknown status %q", a.Status)
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.StatusQuoteReady {
		// A quote has to carry amounts.
		return nil, invalid("use %s to publish a quote", ProcAdminSetQuote)
	}
	return p.transition(ctx, o, a.Status)
}

type quoteArgs struct {
	OrderKey   string `json:"order_key"   binding:"required"`
	QuoteCents int64  `json:"quote_cents" binding:"gt=0"`
}

// Commission returns pct percent of quote, floored at minCents.
func Commission(quoteCents int64, pct float64, minCents int64) int64 {
	c := int64(float64(quoteCents) * pct / 100)
	if c < minCents {
		c = minCents
	}
	return c
}

func (p *Procedures) adminSetQuote(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a quoteArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.StatusSubmitted {
		return nil, badTransition(o.Status, domain.StatusQuoteReady)
	}
	commission := Commission(a.QuoteCents, p.Orders.CommissionPct, p.Orders.CommissionMinCents)
	if err := repo.SetOrderQuote(ctx, p.DB, o.ID, a.QuoteCents, commission); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			return nil, badTransition(o.Status, domain.StatusQuoteReady)
		}
		return nil, err
	}
	return repo.GetOrder(ctx, p.DB, o.ID)
}

// DeleteResult confirms a deleted order.
type DeleteResult struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Deleted     bool   `json:"deleted"`
}

// adminDeleteOrder removes a draft or cancelled order with its rows, then
// best-effort removes its stored files.
func (p *Procedures) adminDeleteOrder(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	var a orderKeyArgs
	if err := decode(args, &a); err != nil {
		return nil, err
	}
	o, err := p.loadOrder(ctx, c, a.OrderKey)
	if err != nil {
		return nil, err
	}
	if !o.Status.Deletable() {
		return nil, newErr(KindConflict, CodeOrderNotDeletable, "order in status %s cannot be deleted", o.Status)
	}
	if err := repo.DeleteOrder(ctx, p.DB, o.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newErr(KindNotFound, CodeOrderNotFound, "order %s not found", a.OrderKey)
		}
		return nil, err
	}
	if p.Store != nil && len(o.Files) > 0 {
		keys := make([]string, len(o.Files))
		for i, f := range o.Files {
			keys[i] = f.StoragePath
		}
		if err := p.Store.Remove(ctx, p.OrdersBucket, keys...); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("order", o.OrderNumber).Msg("remove order files failed")
		}
	}
	return DeleteResult{OrderID: o.ID, OrderNumber: o.OrderNumber, Deleted: true}, nil
}
