package domain

import "time"

// OrderStatus is the lifecycle state of a forwarding order.
type OrderStatus string

const (
	StatusCreated        OrderStatus = "created"
	StatusSubmitted      OrderStatus = "submitted"
	StatusQuoteReady     OrderStatus = "quote_ready"
	StatusPreparingOrder OrderStatus = "preparing_order"
	StatusShipped        OrderStatus = "shipped"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
)

// transitions lists the statuses reachable from each status.
var transitions = map[OrderStatus][]OrderStatus{
	StatusCreated:        {StatusSubmitted, StatusCancelled},
	StatusSubmitted:      {StatusQuoteReady, StatusCancelled},
	StatusQuoteReady:     {StatusPreparingOrder, StatusCancelled},
	StatusPreparingOrder: {StatusShipped},
	StatusShipped:        {StatusDelivered},
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusSubmitted, StatusQuoteReady, StatusPreparingOrder,
		StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Editable reports whether the customer may still change the order
// (address, items).
func (s OrderStatus) Editable() bool {
	return s == StatusCreated || s == StatusSubmitted
}

// Deletable reports whether staff may hard-delete an order in this state.
func (s OrderStatus) Deletable() bool {
	return s == StatusCreated || s == StatusCancelled
}

// Address is the delivery block of an order. It is embedded with the
// "addr_" column prefix.
type Address struct {
	FullName   string `json:"full_name"   gorm:"type:varchar(255)"`
	Line1      string `json:"line1"       gorm:"type:varchar(255)"`
	Line2      string `json:"line2"       gorm:"type:varchar(255)"`
	City       string `json:"city"        gorm:"type:varchar(128)"`
	PostalCode string `json:"postal_code" gorm:"type:varchar(32)"`
	Country    string `json:"country"     gorm:"type:varchar(64)"`
	Phone      string `json:"phone"       gorm:"type:varchar(64)"`
}

// Order is a customer's forwarding request. OrderNumber is a short human
// facing key that can be used wherever the UUID is accepted.
type Order struct {
	ID              string      `json:"id"           gorm:"type:char(36);primaryKey"`
	OrderNumber     string      `json:"order_number" gorm:"type:varchar(32);not null;uniqueIndex"`
	UserID          string      `json:"user_id"      gorm:"type:varchar(64);not null;index"`
	Status          OrderStatus `json:"status"       gorm:"type:varchar(32);not null;index"`
	Address         Address     `json:"address"      gorm:"embedded;embeddedPrefix:addr_"`
	Notes           string      `json:"notes"        gorm:"type:text"`
	QuoteCents      *int64      `json:"quote_cents,omitempty"`
	CommissionCents *int64      `json:"commission_cents,omitempty"`
	Currency        string      `json:"currency"     gorm:"type:varchar(3);not null;default:'EUR'"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	Items []OrderItem `json:"items,omitempty" gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Files []OrderFile `json:"files,omitempty" gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// OrderItem is one product the customer wants forwarded. ItemNumber is
// 1-based and unique within an order.
type OrderItem struct {
	ID             string    `json:"id"          gorm:"type:char(36);primaryKey"`
	OrderID        string    `json:"order_id"    gorm:"type:char(36);not null;uniqueIndex:ux_order_item_number,priority:1"`
	ItemNumber     int       `json:"item_number" gorm:"not null;uniqueIndex:ux_order_item_number,priority:2"`
	Name           string    `json:"name"        gorm:"type:varchar(255);not null"`
	ProductURL     string    `json:"product_url" gorm:"type:text"`
	Quantity       int       `json:"quantity"    gorm:"not null;default:1"`
	TrackingNumber string    `json:"tracking_number" gorm:"type:varchar(128)"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for OrderItem.
func (OrderItem) TableName() string { return "order_items" }

// OrderFile is a file stored in the orders bucket, attached to the whole
// order (ItemNumber nil) or to a single item.
type OrderFile struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	OrderID     string    `json:"order_id"     gorm:"type:char(36);not null;index"`
	ItemNumber  *int      `json:"item_number,omitempty"`
	FileName    string    `json:"file_name"    gorm:"type:varchar(255);not null"`
	MimeType    string    `json:"mime_type"    gorm:"type:varchar(127);not null"`
	Size        int64     `json:"size"         gorm:"not null"`
	StoragePath string    `json:"storage_path" gorm:"type:text;not null;uniqueIndex"`
	URL         string    `json:"url,omitempty" gorm:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for OrderFile.
func (OrderFile) TableName() string { return "order_files" }

// AdminUser grants the staff role to a user id.
type AdminUser struct {
	UserID    string    `json:"user_id" gorm:"type:varchar(64);primaryKey"`
	Email     string    `json:"email"   gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for AdminUser.
func (AdminUser) TableName() string { return "admin_users" }

// AdminTask is a staff to-do entry, optionally linked to an order.
type AdminTask struct {
	ID          string     `json:"id"        gorm:"type:char(36);primaryKey"`
	Title       string     `json:"title"     gorm:"type:varchar(255);not null"`
	Notes       string     `json:"notes"     gorm:"type:text"`
	OrderID     *string    `json:"order_id,omitempty" gorm:"type:char(36);index"`
	CreatedBy   string     `json:"created_by" gorm:"type:varchar(64);not null"`
	Done        bool       `json:"done"      gorm:"not null;default:false;index"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for AdminTask.
func (AdminTask) TableName() string { return "admin_tasks" }
