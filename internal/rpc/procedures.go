package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/config"
	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

// Procedure names.
const (
	ProcMarkChatRead            = "mark_chat_read"
	ProcMarkChatUnread          = "mark_chat_unread"
	ProcCreateOrder             = "create_order"
	ProcGetOrder                = "get_order"
	ProcListMyOrders            = "list_my_orders"
	ProcSubmitOrder             = "submit_order"
	ProcCancelOrder             = "cancel_order"
	ProcUpdateOrderAddress      = "update_order_address"
	ProcUpdateItemTracking      = "update_item_tracking"
	ProcAdminUpdateOrderStatus  = "admin_update_order_status"
	ProcAdminSetQuote           = "admin_set_quote"
	ProcAdminDeleteOrder        = "admin_delete_order"
	ProcAdminCreateTask         = "admin_create_task"
	ProcAdminCompleteTask       = "admin_complete_task"
	ProcAdminListTasks          = "admin_list_tasks"
)

// Procedures holds the dependencies the built-in procedures share.
type Procedures struct {
	DB           *gorm.DB
	Orders       config.OrdersConfig
	Store        storage.ObjectStore // optional; order file cleanup
	OrdersBucket string
	Now          func() time.Time
}

func (p *Procedures) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRegistry returns a registry with every built-in procedure registered.
func (p *Procedures) NewRegistry() *Registry {
	r := NewRegistry()
	for _, proc := range []Procedure{
		{Name: ProcMarkChatRead, Handler: p.markChatRead},
		{Name: ProcMarkChatUnread, Handler: p.markChatUnread},
		{Name: ProcCreateOrder, Handler: p.createOrder},
		{Name: ProcGetOrder, Handler: p.getOrder},
		{Name: ProcListMyOrders, Handler: p.listMyOrders},
		{Name: ProcSubmitOrder, Handler: p.submitOrder},
		{Name: ProcCancelOrder, Handler: p.cancelOrder},
		{Name: ProcUpdateOrderAddress, Handler: p.updateOrderAddress},
		{Name: ProcUpdateItemTracking, AdminOnly: true, Handler: p.updateItemTracking},
		{Name: ProcAdminUpdateOrderStatus, AdminOnly: true, Handler: p.adminUpdateOrderStatus},
		{Name: ProcAdminSetQuote, AdminOnly: true, Handler: p.adminSetQuote},
		{Name: ProcAdminDeleteOrder, AdminOnly: true, Handler: p.adminDeleteOrder},
		{Name: ProcAdminCreateTask, AdminOnly: true, Handler: p.adminCreateTask},
		{Name: ProcAdminCompleteTask, AdminOnly: true, Handler: p.adminCompleteTask},
		{Name: ProcAdminListTasks, AdminOnly: true, Handler: p.adminListTasks},
	} {
		r.Register(proc)
	}
	return r
}

// ---- read state ----

type chatArgs struct {
	ChatID string `json:"chat_id" binding:"required"`
}

// ReadResult reports how many messages changed.
type ReadResult struct {
	ChatID  string `json:"chat_id"`
	Updated int64  `json:"updated"`
}

// viewerRole decides which read direction the caller owns in chat. The
// owner reads as the contact; staff read as the agent. Anyone else is
// refused.
func viewerRole(c Caller, chat *domain.Chat) (string, error) {
	switch {
	case chat.UserID == c.UserID:
		return domain.RoleContact, nil
	case c.Admin:
		return domain.RoleUser, nil
	}
	return "", forbidden()
}

func (p *Procedures) loadChat(ctx context.Context, c Caller, args json.RawMessage) (*domain.Chat, string, error) {
	var a chatArgs
	if err := decode(args, &a); err != nil {
		return nil, "", err
	}
	chat, err := repo.GetChatByID(ctx, p.DB, a.ChatID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, "", newErr(KindNotFound, CodeChatNotFound, "chat %s not found", a.ChatID)
	}
	if err != nil {
		return nil, "", err
	}
	role, err := viewerRole(c, chat)
	if err != nil {
		return nil, "", err
	}
	return chat, role, nil
}

// markChatRead flips the caller's read direction on every unread message
// the other party sent.
func (p *Procedures) markChatRead(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	chat, role, err := p.loadChat(ctx, c, args)
	if err != nil {
		return nil, err
	}
	n, err := repo.MarkChatRead(ctx, p.DB, chat.ID, role, p.now())
	if err != nil {
		return nil, err
	}
	return ReadResult{ChatID: chat.ID, Updated: n}, nil
}

// markChatUnread clears the caller's read direction on the newest message
// the other party sent.
func (p *Procedures) markChatUnread(ctx context.Context, c Caller, args json.RawMessage) (any, error) {
	chat, role, err := p.loadChat(ctx, c, args)
	if err != nil {
		return nil, err
	}
	n, err := repo.MarkChatUnread(ctx, p.DB, chat.ID, role)
	if err != nil {
		return nil, err
	}
	return ReadResult{ChatID: chat.ID, Updated: n}, nil
}
