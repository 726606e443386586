package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/config"
	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
)

// ----- Fakes & helpers -----

type removeRecorder struct {
	mu      sync.Mutex
	removed []string
}

func (r *removeRecorder) Put(context.Context, string, string, io.Reader, int64, string) error {
	return nil
}

func (r *removeRecorder) Remove(_ context.Context, bucket string, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.removed = append(r.removed, bucket+"/"+k)
	}
	return nil
}

func (r *removeRecorder) SignedURL(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}

var (
	owner    = Caller{UserID: "cust-1"}
	stranger = Caller{UserID: "cust-2"}
	staff    = Caller{UserID: "staff-1", Admin: true}
)

func newTestProcedures(t *testing.T) (*Procedures, *Registry, *removeRecorder) {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "rpc.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	st := &removeRecorder{}
	p := &Procedures{
		DB:           db,
		Orders:       config.OrdersConfig{CommissionPct: 10, CommissionMinCents: 500},
		Store:        st,
		OrdersBucket: "order-files",
		Now:          func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return p, p.NewRegistry(), st
}

func call(t *testing.T, r *Registry, c Caller, name string, args any) (any, *Error) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	out, err := r.Call(context.Background(), c, name, raw)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("%s returned untyped error %v", name, err)
		}
		return nil, e
	}
	return out, nil
}

func mustCall(t *testing.T, r *Registry, c Caller, name string, args any) any {
	t.Helper()
	out, e := call(t, r, c, name, args)
	if e != nil {
		t.Fatalf("%s: %v", name, e)
	}
	return out
}

func wantCode(t *testing.T, e *Error, kind Kind, code string) {
	t.Helper()
	if e == nil {
		t.Fatalf("want %s/%s, got success", kind, code)
	}
	if e.Kind != kind || e.Code != code {
		t.Fatalf("want %s/%s, got %s/%s (%s)", kind, code, e.Kind, e.Code, e.Message)
	}
}

func createOrder(t *testing.T, r *Registry) *domain.Order {
	t.Helper()
	out := mustCall(t, r, owner, ProcCreateOrder, map[string]any{
		"items":   []map[string]any{{"name": "sneakers", "quantity": 1}, {"name": "jacket"}},
		"address": map[string]any{"full_name": "Ada", "city": "Athens", "country": "GR"},
	})
	return out.(*domain.Order)
}

func seedChat(t *testing.T, db *gorm.DB, userID string) *domain.Chat {
	t.Helper()
	c, err := repo.CreateChat(context.Background(), db, userID, nil)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return c
}

func seedMessage(t *testing.T, db *gorm.DB, chatID, role string, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{ID: uuid.NewString(), ChatID: chatID, SenderRole: role, SenderID: role + "-id", Body: "hi", CreatedAt: at, UpdatedAt: at}
	m.MarkSenderRead(at)
	if err := repo.CreateMessage(context.Background(), db, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

// ----- Registry -----

func TestRegistry_UnknownUnauthorizedAndAdminOnly(t *testing.T) {
	_, r, _ := newTestProcedures(t)

	_, e := call(t, r, owner, "drop_tables", nil)
	wantCode(t, e, KindNotFound, CodeUnknownProcedure)

	_, e = call(t, r, Caller{}, ProcListMyOrders, nil)
	wantCode(t, e, KindUnauthorized, CodeUnauthorized)

	_, e = call(t, r, owner, ProcAdminListTasks, nil)
	wantCode(t, e, KindForbidden, CodeForbidden)

	if len(r.Names()) != 15 || r.Names()[0] != ProcAdminCompleteTask {
		t.Fatalf("unexpected names: %v", r.Names())
	}
}

func TestRegistry_RejectsUnknownAndInvalidArguments(t *testing.T) {
	_, r, _ := newTestProcedures(t)

	_, e := call(t, r, owner, ProcGetOrder, map[string]any{"order_key": "x", "extra": 1})
	wantCode(t, e, KindValidation, CodeInvalidArgument)

	_, e = call(t, r, owner, ProcGetOrder, map[string]any{})
	wantCode(t, e, KindValidation, CodeInvalidArgument)

	_, e = call(t, r, owner, ProcCreateOrder, map[string]any{"items": []any{}})
	wantCode(t, e, KindValidation, CodeInvalidArgument)

	for _, qty := range []int{0, -2, 1001} {
		_, e = call(t, r, owner, ProcCreateOrder, map[string]any{"items": []map[string]any{{"name": "boots", "quantity": qty}}})
		wantCode(t, e, KindValidation, CodeInvalidArgument)
	}
}

func TestRegistry_UntypedHandlerErrorBecomesInternal(t *testing.T) {
	r := NewRegistry()
	r.Register(Procedure{Name: "boom", Handler: func(context.Context, Caller, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	}})
	_, err := r.Call(context.Background(), owner, "boom", nil)
	e := AsError(err)
	wantCode(t, e, KindInternal, CodeInternal)
	if e.Message != "disk on fire" {
		t.Fatalf("raw message lost: %q", e.Message)
	}
}

// ----- Read state -----

func TestMarkChatRead_DirectionFollowsViewer(t *testing.T) {
	p, r, _ := newTestProcedures(t)
	chat := seedChat(t, p.DB, owner.UserID)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fromContact := seedMessage(t, p.DB, chat.ID, domain.RoleContact, base)
	fromAgent := seedMessage(t, p.DB, chat.ID, domain.RoleUser, base.Add(time.Minute))

	out := mustCall(t, r, owner, ProcMarkChatRead, map[string]any{"chat_id": chat.ID})
	if res := out.(ReadResult); res.Updated != 1 {
		t.Fatalf("owner read updated %d rows, want 1", res.Updated)
	}
	got, _ := repo.GetMessage(context.Background(), p.DB, fromAgent.ID)
	if !got.ReadByContact || got.ReadByContactAt == nil {
		t.Fatalf("agent message not read by contact: %+v", got)
	}
	got, _ = repo.GetMessage(context.Background(), p.DB, fromContact.ID)
	if got.ReadByAgent {
		t.Fatal("contact's own message must not be marked read by agent")
	}

	out = mustCall(t, r, staff, ProcMarkChatRead, map[string]any{"chat_id": chat.ID})
	if res := out.(ReadResult); res.Updated != 1 {
		t.Fatalf("staff read updated %d rows, want 1", res.Updated)
	}
	got, _ = repo.GetMessage(context.Background(), p.DB, fromContact.ID)
	if !got.ReadByAgent {
		t.Fatal("contact message not read by agent")
	}

	// Second pass is a no-op.
	out = mustCall(t, r, staff, ProcMarkChatRead, map[string]any{"chat_id": chat.ID})
	if res := out.(ReadResult); res.Updated != 0 {
		t.Fatalf("repeat read updated %d rows", res.Updated)
	}
}

func TestMarkChatUnread_ClearsNewestFromOtherParty(t *testing.T) {
	p, r, _ := newTestProcedures(t)
	chat := seedChat(t, p.DB, owner.UserID)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := seedMessage(t, p.DB, chat.ID, domain.RoleUser, base)
	newer := seedMessage(t, p.DB, chat.ID, domain.RoleUser, base.Add(time.Minute))
	seedMessage(t, p.DB, chat.ID, domain.RoleContact, base.Add(2*time.Minute))

	mustCall(t, r, owner, ProcMarkChatRead, map[string]any{"chat_id": chat.ID})
	mustCall(t, r, owner, ProcMarkChatUnread, map[string]any{"chat_id": chat.ID})

	got, _ := repo.GetMessage(context.Background(), p.DB, newer.ID)
	if got.ReadByContact || got.ReadByContactAt != nil {
		t.Fatalf("newest agent message still read: %+v", got)
	}
	got, _ = repo.GetMessage(context.Background(), p.DB, older.ID)
	if !got.ReadByContact {
		t.Fatal("older message should stay read")
	}
}

func TestMarkChatRead_AccessAndMissingChat(t *testing.T) {
	p, r, _ := newTestProcedures(t)
	chat := seedChat(t, p.DB, owner.UserID)

	_, e := call(t, r, stranger, ProcMarkChatRead, map[string]any{"chat_id": chat.ID})
	wantCode(t, e, KindForbidden, CodeForbidden)

	_, e = call(t, r, owner, ProcMarkChatUnread, map[string]any{"chat_id": uuid.NewString()})
	wantCode(t, e, KindNotFound, CodeChatNotFound)
}

// ----- Orders -----

func TestOrderLifecycle_CreateSubmitQuoteCancel(t *testing.T) {
	_, r, _ := newTestProcedures(t)
	o := createOrder(t, r)
	if o.Status != domain.StatusCreated || len(o.Items) != 2 || o.UserID != owner.UserID {
		t.Fatalf("unexpected order: %+v", o)
	}
	for _, it := range o.Items {
		if it.Quantity != 1 {
			t.Fatalf("item %q quantity = %d, want 1", it.Name, it.Quantity)
		}
	}

	// Quote before submit is an invalid transition.
	_, e := call(t, r, staff, ProcAdminSetQuote, map[string]any{"order_key": o.OrderNumber, "quote_cents": 10000})
	wantCode(t, e, KindConflict, CodeInvalidStatusTransition)

	_, e = call(t, r, stranger, ProcSubmitOrder, map[string]any{"order_key": o.ID})
	wantCode(t, e, KindForbidden, CodeForbidden)

	sub := mustCall(t, r, owner, ProcSubmitOrder, map[string]any{"order_key": o.OrderNumber}).(*domain.Order)
	if sub.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s", sub.Status)
	}
	_, e = call(t, r, owner, ProcSubmitOrder, map[string]any{"order_key": o.ID})
	wantCode(t, e, KindConflict, CodeInvalidStatusTransition)

	q := mustCall(t, r, staff, ProcAdminSetQuote, map[string]any{"order_key": o.ID, "quote_cents": 2000}).(*domain.Order)
	if q.Status != domain.StatusQuoteReady || *q.QuoteCents != 2000 || *q.CommissionCents != 500 {
		t.Fatalf("quote not applied with commission floor: %+v", q)
	}

	c := mustCall(t, r, owner, ProcCancelOrder, map[string]any{"order_key": o.ID}).(*domain.Order)
	if c.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", c.Status)
	}
	_, e = call(t, r, owner, ProcCancelOrder, map[string]any{"order_key": o.ID})
	wantCode(t, e, KindConflict, CodeInvalidStatusTransition)
}

func TestCommission(t *testing.T) {
	cases := []struct {
		quote, min int64
		pct        float64
		want       int64
	}{
		{quote: 100000, pct: 10, min: 500, want: 10000},
		{quote: 2000, pct: 10, min: 500, want: 500},
		{quote: 5000, pct: 0, min: 0, want: 0},
	}
	for _, tc := range cases {
		if got := Commission(tc.quote, tc.pct, tc.min); got != tc.want {
			t.Errorf("Commission(%d, %v, %d) = %d, want %d", tc.quote, tc.pct, tc.min, got, tc.want)
		}
	}
}

func TestGetAndListOrders_Ownership(t *testing.T) {
	_, r, _ := newTestProcedures(t)
	o := createOrder(t, r)

	_, e := call(t, r, stranger, ProcGetOrder, map[string]any{"order_key": o.ID})
	wantCode(t, e, KindForbidden, CodeForbidden)

	_, e = call(t, r, owner, ProcGetOrder, map[string]any{"order_key": "PF-MISSING"})
	wantCode(t, e, KindNotFound, CodeOrderNotFound)

	if got := mustCall(t, r, staff, ProcGetOrder, map[string]any{"order_key": o.OrderNumber}).(*domain.Order); got.ID != o.ID {
		t.Fatalf("staff got %s", got.ID)
	}

	mine := mustCall(t, r, owner, ProcListMyOrders, nil).([]domain.Order)
	theirs := mustCall(t, r, stranger, ProcListMyOrders, map[string]any{"page": 1, "page_size": 5}).([]domain.Order)
	if len(mine) != 1 || len(theirs) != 0 {
		t.Fatalf("list sizes = %d/%d", len(mine), len(theirs))
	}
}

func TestUpdateOrderAddress_OnlyWhileEditable(t *testing.T) {
	_, r, _ := newTestProcedures(t)
	o := createOrder(t, r)

	got := mustCall(t, r, owner, ProcUpdateOrderAddress, map[string]any{
		"order_key": o.ID,
		"address":   map[string]any{"full_name": "Ada L", "city": "Thessaloniki", "country": "GR"},
	}).(*domain.Order)
	if got.Address.City != "Thessaloniki" {
		t.Fatalf("address not updated: %+v", got.Address)
	}

	mustCall(t, r, owner, ProcCancelOrder, map[string]any{"order_key": o.ID})
	_, e := call(t, r, owner, ProcUpdateOrderAddress, map[string]any{"order_key": o.ID, "address": map[string]any{"city": "Patras"}})
	wantCode(t, e, KindConflict, CodeOrderNotEditable)
}

func TestUpdateItemTracking(t *testing.T) {
	_, r, _ := newTestProcedures(t)
	o := createOrder(t, r)

	got := mustCall(t, r, staff, ProcUpdateItemTracking, map[string]any{
		"order_key": o.ID, "item_number": 2, "tracking_number": " 1Z999 ",
	}).(*domain.Order)
	if got.Items[1].TrackingNumber != "1Z999" || got.Items[0].TrackingNumber != "" {
		t.Fatalf("tracking not stored on item 2: %+v", got.Items)
	}

	_, e := call(t, r, staff, ProcUpdateItemTracking, map[string]any{"order_key": o.ID, "item_number": 9, "tracking_number": "x"})
	wantCode(t, e, KindNotFound, CodeItemNotFound)

	_, e = call(t, r, owner, ProcUpdateItemTracking, map[string]any{"order_key": o.ID, "item_number": 1})
	wantCode(t, e, KindForbidden, CodeForbidden)
}

func TestAdminUpdateOrderStatus(t *testing.T) {
	_, r, _ := newTestProcedures(t)
	o := createOrder(t, r)

	_, e := call(t, r, staff, ProcAdminUpdateOrderStatus, map[string]any{"order_key": o.ID, "status": "lost"})
	wantCode(t, e, KindValidation, CodeInvalidArgument)

	_, e = call(t, r, staff, ProcAdminUpdateOrderStatus, map[string]any{"order_key": o.ID, "status": "shipped"})
	wantCode(t, e, KindConflict, CodeInvalidStatusTransition)

	_, e = call(t, r, staff, ProcAdminUpdateOrderStatus, map[string]any{"order_key": o.ID, "status": "quote_ready"})
	wantCode(t, e, KindValidation, CodeInvalidArgument)

	mustCall(t, r, owner, ProcSubmitOrder, map[string]any{"order_key": o.ID})
	mustCall(t, r, staff, ProcAdminSetQuote, map[string]any{"order_key": o.ID, "quote_cents": 100000})
	for _, s := range []domain.OrderStatus{domain.StatusPreparingOrder, domain.StatusShipped, domain.StatusDelivered} {
		got := mustCall(t, r, staff, ProcAdminUpdateOrderStatus, map[string]any{"order_key": o.ID, "status": s}).(*domain.Order)
		if got.Status != s {
			t.Fatalf("status = %s, want %s", got.Status, s)
		}
	}
}

func TestAdminDeleteOrder_OnlyDraftOrCancelled(t *testing.T) {
	p, r, st := newTestProcedures(t)
	ctx := context.Background()

	o := createOrder(t, r)
	if err := repo.CreateOrderFile(ctx, p.DB, &domain.OrderFile{
		OrderID: o.ID, FileName: "invoice.pdf", MimeType: "application/pdf", Size: 3, StoragePath: o.ID + "/invoice.pdf",
	}); err != nil {
		t.Fatalf("CreateOrderFile: %v", err)
	}

	submitted := createOrder(t, r)
	mustCall(t, r, owner, ProcSubmitOrder, map[string]any{"order_key": submitted.ID})
	_, e := call(t, r, staff, ProcAdminDeleteOrder, map[string]any{"order_key": submitted.ID})
	wantCode(t, e, KindConflict, CodeOrderNotDeletable)

	res := mustCall(t, r, staff, ProcAdminDeleteOrder, map[string]any{"order_key": o.OrderNumber}).(DeleteResult)
	if !res.Deleted || res.OrderID != o.ID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := repo.GetOrder(ctx, p.DB, o.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("order still present: %v", err)
	}
	if len(st.removed) != 1 || st.removed[0] != "order-files/"+o.ID+"/invoice.pdf" {
		t.Fatalf("objects removed = %v", st.removed)
	}

	_, e = call(t, r, staff, ProcAdminDeleteOrder, map[string]any{"order_key": o.ID})
	wantCode(t, e, KindNotFound, CodeOrderNotFound)
}

// ----- Tasks -----

func TestAdminTasks_CreateCompleteList(t *testing.T) {
	_, r, _ := newTestProcedures(t)
	o := createOrder(t, r)

	_, e := call(t, r, staff, ProcAdminCreateTask, map[string]any{"title": "   "})
	wantCode(t, e, KindValidation, CodeInvalidArgument)

	linked := mustCall(t, r, staff, ProcAdminCreateTask, map[string]any{"title": "Call courier", "order_key": o.OrderNumber}).(*domain.AdminTask)
	if linked.OrderID == nil || *linked.OrderID != o.ID || linked.CreatedBy != staff.UserID {
		t.Fatalf("unexpected task: %+v", linked)
	}
	mustCall(t, r, staff, ProcAdminCreateTask, map[string]any{"title": "Restock boxes"})

	done := mustCall(t, r, staff, ProcAdminCompleteTask, map[string]any{"task_id": linked.ID}).(*domain.AdminTask)
	if !done.Done || done.CompletedAt == nil {
		t.Fatalf("task not completed: %+v", done)
	}

	_, e = call(t, r, staff, ProcAdminCompleteTask, map[string]any{"task_id": uuid.NewString()})
	wantCode(t, e, KindNotFound, CodeTaskNotFound)

	all := mustCall(t, r, staff, ProcAdminListTasks, nil).([]domain.AdminTask)
	open := mustCall(t, r, staff, ProcAdminListTasks, map[string]any{"open_only": true}).([]domain.AdminTask)
	if len(all) != 2 || len(open) != 1 || open[0].Title != "Restock boxes" {
		t.Fatalf("all=%d open=%+v", len(all), open)
	}
	if all[0].Done {
		t.Fatal("open tasks must sort first")
	}
}
