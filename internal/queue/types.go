package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a queued mutation and therefore the shape of
// its payload and the remote collection it is written to.
type Kind string

const (
	KindCreateTransaction  Kind = "create_transaction"
	KindStockReceive       Kind = "stock_receive"
	KindStockReturn        Kind = "stock_return"
	KindAttendanceCheckIn  Kind = "attendance_check_in"
	KindAttendanceCheckOut Kind = "attendance_check_out"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindCreateTransaction,
	KindStockReceive,
	KindStockReturn,
	KindAttendanceCheckIn,
	KindAttendanceCheckOut,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Lane names the ordering lane of k. Operations in one lane reach the remote
// service in insertion order, so a check-out never overtakes the check-in of
// its shift and a stock return never overtakes the receive before it.
func (k Kind) Lane() string {
	switch k {
	case KindStockReceive, KindStockReturn:
		return "stock"
	case KindAttendanceCheckIn, KindAttendanceCheckOut:
		return "attendance"
	default:
		return string(k)
	}
}

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s may be pruned.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Operation is a locally created record waiting to be written remotely.
type Operation struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	Seq          int64           `json:"seq"`
	AttemptCount int             `json:"attempt_count"`
	Status       Status          `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	ErrorClass   string          `json:"error_class,omitempty"`
	// Retryable is set on failed operations that the scheduler may move back
	// to pending on its own once NextAttemptAt has passed.
	Retryable bool `json:"retryable,omitempty"`
	// FailureStreak counts failures since the last success or manual retry
	// and drives the backoff delay.
	FailureStreak int       `json:"failure_streak,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// Due reports whether a failed operation is eligible for automatic retry at now.
func (o *Operation) Due(now time.Time) bool {
	return o.Status == StatusFailed && o.Retryable && !o.NextAttemptAt.After(now)
}

// AwaitingRetry reports whether o failed transiently and will be retried
// automatically.
func (o *Operation) AwaitingRetry() bool {
	return o.Status == StatusFailed && o.Retryable
}

// Decode unmarshals the payload into v.
func (o *Operation) Decode(v interface{}) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", o.Kind, err)
	}
	return nil
}

// TransactionPayload is a sale recorded by a rider.
type TransactionPayload struct {
	TransactionNumber string            `json:"transaction_number"`
	RiderID           string            `json:"rider_id"`
	BranchID          string            `json:"branch_id"`
	CustomerID        string            `json:"customer_id,omitempty"`
	PaymentMethod     string            `json:"payment_method"`
	TotalAmount       float64           `json:"total_amount"`
	DiscountAmount    float64           `json:"discount_amount,omitempty"`
	FinalAmount       float64           `json:"final_amount"`
	Items             []TransactionItem `json:"items"`
	Latitude          float64           `json:"latitude,omitempty"`
	Longitude         float64           `json:"longitude,omitempty"`
	TransactionDate   time.Time         `json:"transaction_date"`
}

// TransactionItem is one line of a TransactionPayload.
type TransactionItem struct {
	ProductID  string  `json:"product_id"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	TotalPrice float64 `json:"total_price"`
}

// StockMovementPayload records stock handed to or returned by a rider.
type StockMovementPayload struct {
	RiderID      string    `json:"rider_id"`
	BranchID     string    `json:"branch_id"`
	ProductID    string    `json:"product_id"`
	MovementType string    `json:"movement_type"` // "in" or "return"
	Quantity     int       `json:"quantity"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	MovedAt      time.Time `json:"moved_at"`
}

// AttendancePayload is a shift check-in or check-out.
type AttendancePayload struct {
	RiderID   string    `json:"rider_id"`
	BranchID  string    `json:"branch_id"`
	ShiftID   string    `json:"shift_id"`
	Action    string    `json:"action"` // "check_in" or "check_out"
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	PhotoURL  string    `json:"photo_url,omitempty"`
	At        time.Time `json:"at"`
}

// validatePayload checks that raw decodes into the struct matching kind.
func validatePayload(kind Kind, raw json.RawMessage) error {
	var err error
	switch kind {
	case KindCreateTransaction:
		var p TransactionPayload
		if err = json.Unmarshal(raw, &p); err == nil && len(p.Items) == 0 {
			err = fmt.Errorf("transaction has no items")
		}
	case KindStockReceive, KindStockReturn:
		var p StockMovementPayload
		if err = json.Unmarshal(raw, &p); err == nil && p.Quantity <= 0 {
			err = fmt.Errorf("quantity must be positive")
		}
	case KindAttendanceCheckIn, KindAttendanceCheckOut:
		var p AttendancePayload
		if err = json.Unmarshal(raw, &p); err == nil && p.ShiftID == "" {
			err = fmt.Errorf("shift_id required")
		}
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return nil
}
