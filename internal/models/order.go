package models

import (
	"time"
)

// Order is the part of a customer order the ticket printer reads.
type Order struct {
	ID            string        `json:"id"`
	OrderNumber   string        `json:"order_number"`
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone,omitempty"`
	Items         []OrderItem   `json:"items"`
	Total         int64         `json:"total"`
	Notes         string        `json:"notes,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
	PrintHistory  []PrintRecord `json:"print_history,omitempty"`
}

// OrderItem is one service line. Prices are in minor currency units.
type OrderItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Subtotal is quantity times unit price.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// PrintRecord is appended to an order every time a ticket for it prints.
type PrintRecord struct {
	Method     string    `json:"method"`
	DeviceName string    `json:"device_name,omitempty"`
	TicketType string    `json:"ticket_type"`
	JobID      string    `json:"job_id,omitempty"`
	PrintedBy  string    `json:"printed_by"`
	PrintedAt  time.Time `json:"printed_at"`
}
