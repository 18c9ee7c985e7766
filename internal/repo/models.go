package repo

import (
	"strings"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew        OrderStatus = "new"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusNew, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ParseOrderStatus accepts the canonical names plus the Spanish labels operators type.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "nuevo", "nueva":
		return StatusNew, true
	case "processing", "en_proceso", "en proceso", "procesando":
		return StatusProcessing, true
	case "completed", "completado", "completada", "entregado":
		return StatusCompleted, true
	case "cancelled", "canceled", "cancelado", "cancelada":
		return StatusCancelled, true
	}
	return "", false
}

// Customer is the intake data captured during the conversation.
type Customer struct {
	Sender       string `json:"sender"`
	DisplayName  string `json:"display_name,omitempty"`
	Name         string `json:"name"`
	IDNumber     string `json:"id_number"`
	Neighborhood string `json:"neighborhood"`
	Address      string `json:"address"`
	City         string `json:"city"`
}

// ProductSnapshot freezes the catalog entry at order time.
type ProductSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
}

// PaymentSnapshot holds the monetary breakdown; it never changes after creation.
type PaymentSnapshot struct {
	ProductPrice int64  `json:"product_price"`
	DeliveryCost int64  `json:"delivery_cost"`
	Total        int64  `json:"total"`
	ReceiptPath  string `json:"receipt_path,omitempty"`
}

// Order represents a row in the orders table. IdempotencyKey identifies the
// checkout that produced the order and is empty for orders created without one.
type Order struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Status         OrderStatus     `json:"status"`
	Customer       Customer        `json:"customer"`
	Product        ProductSnapshot `json:"product"`
	Payment        PaymentSnapshot `json:"payment"`
	AttendedBy     string          `json:"attended_by,omitempty"`
	AttendedAt     *time.Time      `json:"attended_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// StatusUpdate carries the mutable subset of an order.
type StatusUpdate struct {
	ID         string
	Status     OrderStatus
	AttendedBy string
	AttendedAt *time.Time
	UpdatedAt  time.Time
}
