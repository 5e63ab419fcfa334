package models

import (
	"time"
)

// Print job lifecycle states persisted in Redis.
const (
	JobPending   = "pending"
	JobPrinting  = "printing"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Ticket types a job can print.
const (
	TicketReceipt  = "receipt"
	TicketDelivery = "delivery"
)

// ValidTicketType reports whether t is a known ticket type.
func ValidTicketType(t string) bool {
	return t == TicketReceipt || t == TicketDelivery
}

// PrintJob is one entry of the shared print queue.
type PrintJob struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	OrderNumber string     `json:"order_number"`
	TicketType  string     `json:"ticket_type"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}
