package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Terminal statuses never change again; later signals are recorded as
// conflicts instead of applied.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentCancelled
}

type PaymentType string

const (
	PaymentTypeDeposit    PaymentType = "DEPOSIT"
	PaymentTypeBookingFee PaymentType = "BOOKING_FEE"
	PaymentTypeRent       PaymentType = "RENT"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeDeposit, PaymentTypeBookingFee, PaymentTypeRent:
		return true
	}
	return false
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentFailed, PaymentCancelled},
	PaymentProcessing: {PaymentCompleted, PaymentFailed, PaymentCancelled},
	PaymentCompleted:  {},
	PaymentFailed:     {},
	PaymentCancelled:  {},
}

func CanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Payment struct {
	ID                 string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID             int64           `gorm:"index;not null" json:"user_id"`
	PropertyID         string          `gorm:"type:varchar(36);index;not null" json:"property_id"`
	Amount             decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Type               PaymentType     `gorm:"type:varchar(16);not null" json:"type"`
	Status             PaymentStatus   `gorm:"type:varchar(16);default:'PENDING';index" json:"status"`
	PhoneNumber        string          `gorm:"type:varchar(12);not null" json:"phone_number"`
	IdempotencyKey     *string         `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	MerchantRequestID  *string         `gorm:"type:varchar(64)" json:"-"`
	CheckoutRequestID  *string         `gorm:"type:varchar(64);uniqueIndex" json:"checkout_request_id,omitempty"`
	MpesaReceiptNumber *string         `gorm:"type:varchar(32)" json:"mpesa_receipt_number,omitempty"`
	TransactionDate    *time.Time      `json:"transaction_date,omitempty"`
	FailureReason      string          `gorm:"type:text" json:"failure_reason,omitempty"`
	CallbackRawBody    string          `gorm:"type:text" json:"-"`
	ConflictCount      int             `gorm:"not null;default:0" json:"conflict_count"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

func (Payment) TableName() string { return "payments" }

// PaymentConflict is an audit row for a terminal-state signal that arrived
// after the payment had already settled. The original state is preserved;
// the conflicting report is kept for manual review.
type PaymentConflict struct {
	ID             int64         `gorm:"primaryKey" json:"id"`
	PaymentID      string        `gorm:"type:varchar(36);index;not null" json:"payment_id"`
	ExistingStatus PaymentStatus `gorm:"type:varchar(16);not null" json:"existing_status"`
	ReportedStatus PaymentStatus `gorm:"type:varchar(16);not null" json:"reported_status"`
	ResultCode     int           `json:"result_code"`
	ResultDesc     string        `gorm:"type:text" json:"result_desc"`
	Source         string        `gorm:"type:varchar(16);not null" json:"source"`
	RawBody        string        `gorm:"type:text" json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (PaymentConflict) TableName() string { return "payment_conflicts" }
