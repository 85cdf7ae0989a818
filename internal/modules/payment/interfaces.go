package payment

import (
	"context"

	"nyumbani/internal/domain"

	"github.com/shopspring/decimal"
)

type paymentStore interface {
	Create(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id string) (*domain.Payment, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Payment, error)
	Transition(ctx context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, extra map[string]interface{}) (bool, error)
	RecordConflict(ctx context.Context, c *domain.PaymentConflict) error
	ListConflicts(ctx context.Context, paymentID string) ([]domain.PaymentConflict, error)
}

type propertyReader interface {
	GetByID(ctx context.Context, id string) (*domain.Property, error)
}

// Gateway is the outbound provider surface: an immediate charge
// acknowledgement and a synchronous status query. The asynchronous result
// arrives separately through the callback endpoint.
type Gateway interface {
	RequestCharge(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*ChargeAck, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*GatewayResult, error)
}
