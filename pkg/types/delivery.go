package types

import "time"

// OrderStatus is the state of a customer order.
type OrderStatus string

const (
	OrderConfirmed OrderStatus = "confirmed"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderCancelled OrderStatus = "cancelled"
)

// Order commits a product quantity to a delivery date.
type Order struct {
	ID           string      `json:"id" db:"id"`
	Customer     string      `json:"customer" db:"customer"`
	Product      string      `json:"product" db:"product"`
	Quantity     int         `json:"quantity" db:"quantity"`
	DeliveryDate time.Time   `json:"delivery_date" db:"delivery_date"`
	Status       OrderStatus `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// DeliveryStatus is the state of a DeliveryJob.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDispatched DeliveryStatus = "dispatched"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

// DeliveryJob carries a finished batch to the customer of its order.
type DeliveryJob struct {
	ID           string            `json:"id" db:"id"`
	OrderID      string            `json:"order_id" db:"order_id"`
	BatchID      string            `json:"batch_id" db:"batch_id"`
	ScheduledFor time.Time         `json:"scheduled_for" db:"scheduled_for"`
	Status       DeliveryStatus    `json:"status" db:"status"`
	Courier      map[string]string `json:"courier,omitempty" db:"-"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// DeliveryJobView is a delivery job joined with its order.
type DeliveryJobView struct {
	DeliveryJob
	Order *Order `json:"order,omitempty"`
}
