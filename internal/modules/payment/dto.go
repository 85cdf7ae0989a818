package payment

import (
	"time"

	"nyumbani/internal/domain"

	"github.com/shopspring/decimal"
)

type InitiateRequest struct {
	PropertyID     string             `json:"property_id" validate:"required" example:"p1"`
	Amount         decimal.Decimal    `json:"amount" example:"5000"`
	PhoneNumber    string             `json:"phone_number" validate:"required" example:"0712345678"`
	Type           domain.PaymentType `json:"type" validate:"required" example:"BOOKING_FEE"`
	IdempotencyKey string             `json:"idempotency_key" example:"b1f7c0de-4a11-4c9e-9f30-1f8f4f1f9a21"`

	UserID int64 `json:"-"`
}

// StatusProjection is the client-facing view of a payment: enough to
// drive a polling UI, nothing internal.
type StatusProjection struct {
	ID                 string               `json:"id"`
	Status             domain.PaymentStatus `json:"status"`
	Type               domain.PaymentType   `json:"type"`
	Amount             decimal.Decimal      `json:"amount"`
	PhoneNumber        string               `json:"phone_number"`
	MpesaReceiptNumber string               `json:"mpesa_receipt_number,omitempty"`
	FailureReason      string               `json:"failure_reason,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func projectionOf(p *domain.Payment) *StatusProjection {
	proj := &StatusProjection{
		ID:          p.ID,
		Status:      p.Status,
		Type:        p.Type,
		Amount:      p.Amount,
		PhoneNumber: p.PhoneNumber,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.MpesaReceiptNumber != nil {
		proj.MpesaReceiptNumber = *p.MpesaReceiptNumber
	}
	if p.Status == domain.PaymentFailed {
		proj.FailureReason = p.FailureReason
	}
	return proj
}

// stkCallbackEnvelope mirrors the Daraja STK push result payload.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type ErrorResponse struct {
	Error string `json:"error" example:"invalid request"`
}
