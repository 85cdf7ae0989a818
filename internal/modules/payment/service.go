package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"nyumbani/internal/domain"
	"nyumbani/internal/pkg/phone"
	"nyumbani/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	sourceCallback = "callback"
	sourceQuery    = "query"
	sourceClient   = "client"
)

type Service struct {
	payments   paymentStore
	properties propertyReader
	gateway    Gateway
	loggerf    func(format string, args ...interface{})

	// reconcileGrace is how long a PROCESSING payment may sit untouched
	// before a status read actively queries the provider.
	reconcileGrace time.Duration
}

func NewService(payments paymentStore, properties propertyReader, gateway Gateway, reconcileGrace time.Duration, loggerf func(format string, args ...interface{})) *Service {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Service{
		payments:       payments,
		properties:     properties,
		gateway:        gateway,
		loggerf:        loggerf,
		reconcileGrace: reconcileGrace,
	}
}

// Initiate validates the request, persists the payment as PENDING before
// any money can move, then asks the provider to push the charge prompt.
// Provider failures are absorbed into a FAILED payment; the caller drives
// its UI from the returned status.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domain.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown payment type %q", ErrValidation, req.Type)
	}
	msisdn, err := phone.Normalize(req.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := s.properties.GetByID(ctx, req.PropertyID); err != nil {
		return nil, fmt.Errorf("%w: property %s: %v", ErrValidation, req.PropertyID, err)
	}

	p := &domain.Payment{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		PropertyID:  req.PropertyID,
		Amount:      req.Amount,
		Type:        req.Type,
		Status:      domain.PaymentPending,
		PhoneNumber: msisdn,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		p.IdempotencyKey = &key
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, err
	}
	s.loggerf("level=info msg=payment created payment_id=%s property_id=%s amount=%s type=%s", p.ID, p.PropertyID, p.Amount, p.Type)

	ack, err := s.gateway.RequestCharge(ctx, msisdn, req.Amount, p.ID)
	if err != nil {
		s.loggerf("level=error msg=charge initiation failed payment_id=%s err=%v", p.ID, err)
		reason := err.Error()
		if _, terr := s.payments.Transition(ctx, p.ID,
			[]domain.PaymentStatus{domain.PaymentPending},
			domain.PaymentFailed,
			map[string]interface{}{"failure_reason": reason}); terr != nil {
			return nil, terr
		}
		return s.payments.GetByID(ctx, p.ID)
	}

	applied, err := s.payments.Transition(ctx, p.ID,
		[]domain.PaymentStatus{domain.PaymentPending},
		domain.PaymentProcessing,
		map[string]interface{}{
			"checkout_request_id": ack.CheckoutRequestID,
			"merchant_request_id": ack.MerchantRequestID,
		})
	if err != nil {
		return nil, err
	}
	if !applied {
		// only possible if something cancelled the record mid-flight
		s.loggerf("level=warn msg=ack arrived for non-pending payment payment_id=%s", p.ID)
	}
	s.loggerf("level=info msg=charge acknowledged payment_id=%s checkout_request_id=%s", p.ID, ack.CheckoutRequestID)
	return s.payments.GetByID(ctx, p.ID)
}

// HandleCallback ingests one asynchronous provider notification. Delivery
// is at-least-once and unordered, so everything that parses is treated as
// acknowledgeable; only a structurally unreadable body returns an error.
func (s *Service) HandleCallback(ctx context.Context, rawBody []byte) error {
	res, err := parseCallback(rawBody)
	if err != nil {
		return err
	}

	p, err := s.payments.GetByCheckoutRequestID(ctx, res.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			s.loggerf("level=warn msg=%v checkout_request_id=%s", ErrUnknownCorrelationID, res.CheckoutRequestID)
			return nil
		}
		return err
	}

	_, err = s.applyResult(ctx, p, res, sourceCallback)
	if err != nil && !absorbedResultError(err) {
		return err
	}
	return nil
}

// Reconcile actively queries the provider for a payment whose callback is
// overdue. The answer flows through the same transition path as the
// callback, so whichever signal lands first wins and the other no-ops.
// A failed or inconclusive query leaves the payment untouched.
func (s *Service) Reconcile(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentProcessing || p.CheckoutRequestID == nil {
		return p, nil
	}

	res, err := s.gateway.QueryStatus(ctx, *p.CheckoutRequestID)
	if err != nil {
		s.loggerf("level=warn msg=status query failed payment_id=%s err=%v", p.ID, err)
		return p, nil
	}
	if res.Pending {
		return p, nil
	}

	updated, err := s.applyResult(ctx, p, res, sourceQuery)
	if err != nil && !absorbedResultError(err) {
		return nil, err
	}
	if updated != nil {
		return updated, nil
	}
	return p, nil
}

// absorbedResultError reports whether an applyResult failure is already
// resolved (logged, conflict recorded) and must not bubble up to an HTTP
// error, which would only provoke provider retries of the same payload.
func absorbedResultError(err error) bool {
	return errors.Is(err, ErrMalformedCompletion) || errors.Is(err, ErrAmountMismatch)
}

// applyResult is the single path from a provider-reported outcome to a
// status transition; both the callback receiver and the reconciler feed
// it. A result against an already-terminal payment is never applied:
// identical outcomes no-op, conflicting ones are recorded for review.
func (s *Service) applyResult(ctx context.Context, p *domain.Payment, res *GatewayResult, source string) (*domain.Payment, error) {
	if p.Status.Terminal() {
		return p, s.handleTerminal(ctx, p, res, source)
	}

	if res.Success() {
		if res.ReceiptNumber == "" || (source == sourceCallback && res.TransactionDate == nil) {
			s.loggerf("level=error msg=%v payment_id=%s source=%s", ErrMalformedCompletion, p.ID, source)
			return p, ErrMalformedCompletion
		}
		if !res.Amount.IsZero() && !res.Amount.Equal(p.Amount) {
			s.loggerf("level=error msg=%v payment_id=%s stored=%s reported=%s source=%s", ErrAmountMismatch, p.ID, p.Amount, res.Amount, source)
			if err := s.payments.RecordConflict(ctx, &domain.PaymentConflict{
				PaymentID:      p.ID,
				ExistingStatus: p.Status,
				ReportedStatus: domain.PaymentCompleted,
				ResultCode:     res.ResultCode,
				ResultDesc:     fmt.Sprintf("amount mismatch: reported %s, stored %s", res.Amount, p.Amount),
				Source:         source,
				RawBody:        res.RawBody,
			}); err != nil {
				return nil, err
			}
			return p, ErrAmountMismatch
		}
		extra := map[string]interface{}{
			"mpesa_receipt_number": res.ReceiptNumber,
			"completed_at":         time.Now().UTC(),
		}
		if res.RawBody != "" {
			extra["callback_raw_body"] = res.RawBody
		}
		if res.TransactionDate != nil {
			extra["transaction_date"] = *res.TransactionDate
		}
		applied, err := s.payments.Transition(ctx, p.ID,
			[]domain.PaymentStatus{domain.PaymentProcessing},
			domain.PaymentCompleted, extra)
		if err != nil {
			return nil, err
		}
		if !applied {
			return s.reloadAndResolve(ctx, p.ID, res, source)
		}
		s.loggerf("level=info msg=payment completed payment_id=%s receipt=%s source=%s", p.ID, res.ReceiptNumber, source)
		return s.payments.GetByID(ctx, p.ID)
	}

	extra := map[string]interface{}{
		"failure_reason": res.FailureReason(),
	}
	if res.RawBody != "" {
		extra["callback_raw_body"] = res.RawBody
	}
	applied, err := s.payments.Transition(ctx, p.ID,
		[]domain.PaymentStatus{domain.PaymentProcessing},
		domain.PaymentFailed, extra)
	if err != nil {
		return nil, err
	}
	if !applied {
		return s.reloadAndResolve(ctx, p.ID, res, source)
	}
	s.loggerf("level=info msg=payment failed payment_id=%s result_code=%d source=%s", p.ID, res.ResultCode, source)
	return s.payments.GetByID(ctx, p.ID)
}

// reloadAndResolve handles the losing side of a transition race: the
// conditional update matched nothing, so re-read and treat the result as
// having arrived against whatever state won.
func (s *Service) reloadAndResolve(ctx context.Context, paymentID string, res *GatewayResult, source string) (*domain.Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return p, s.handleTerminal(ctx, p, res, source)
	}
	s.loggerf("level=warn msg=transition not applied against non-terminal payment payment_id=%s status=%s source=%s", p.ID, p.Status, source)
	return p, nil
}

func (s *Service) handleTerminal(ctx context.Context, p *domain.Payment, res *GatewayResult, source string) error {
	reported := domain.PaymentFailed
	if res.Success() {
		reported = domain.PaymentCompleted
	}
	if reported == p.Status {
		// duplicate delivery of the outcome we already hold
		s.loggerf("level=info msg=duplicate terminal signal ignored payment_id=%s status=%s source=%s", p.ID, p.Status, source)
		return nil
	}

	// Conflicting truth: keep what we have (a confirmed COMPLETED always
	// outranks a later FAILED notice) and store the report for review.
	s.loggerf("level=error msg=%v payment_id=%s existing=%s reported=%s source=%s", ErrConflictingTerminalState, p.ID, p.Status, reported, source)
	return s.payments.RecordConflict(ctx, &domain.PaymentConflict{
		PaymentID:      p.ID,
		ExistingStatus: p.Status,
		ReportedStatus: reported,
		ResultCode:     res.ResultCode,
		ResultDesc:     res.ResultDesc,
		Source:         source,
		RawBody:        res.RawBody,
	})
}

// Status returns the client-facing projection, first reconciling inline
// when the record has been PROCESSING longer than the grace period.
func (s *Service) Status(ctx context.Context, paymentID string, userID int64) (*StatusProjection, error) {
	p, err := s.getOwned(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PaymentProcessing && time.Since(p.UpdatedAt) > s.reconcileGrace {
		if p, err = s.Reconcile(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return projectionOf(p), nil
}

// Cancel is the explicit client cancel path: any non-terminal payment
// moves to CANCELLED. A settled payment is left alone.
func (s *Service) Cancel(ctx context.Context, paymentID string, userID int64) (*domain.Payment, error) {
	p, err := s.getOwned(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	applied, err := s.payments.Transition(ctx, p.ID,
		[]domain.PaymentStatus{domain.PaymentPending, domain.PaymentProcessing},
		domain.PaymentCancelled,
		map[string]interface{}{"failure_reason": "cancelled by client"})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrAlreadyTerminal
	}
	s.loggerf("level=info msg=payment cancelled payment_id=%s source=%s", p.ID, sourceClient)
	return s.payments.GetByID(ctx, p.ID)
}

func (s *Service) List(ctx context.Context, userID int64) ([]domain.Payment, error) {
	return s.payments.ListByUser(ctx, userID)
}

func (s *Service) Conflicts(ctx context.Context, paymentID string, userID int64) ([]domain.PaymentConflict, error) {
	if _, err := s.getOwned(ctx, paymentID, userID); err != nil {
		return nil, err
	}
	return s.payments.ListConflicts(ctx, paymentID)
}

func (s *Service) getOwned(ctx context.Context, paymentID string, userID int64) (*domain.Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

func parseCallback(rawBody []byte) (*GatewayResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}

	res := &GatewayResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		RawBody:           string(rawBody),
	}
	if cb.CallbackMetadata == nil {
		return res, nil
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if d, ok := parseAmount(item.Value); ok {
				res.Amount = d
			}
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				res.ReceiptNumber = v
			}
		case "TransactionDate":
			if t, ok := parseTransactionDate(item.Value); ok {
				res.TransactionDate = &t
			}
		}
	}
	return res, nil
}

// parseAmount reads the Amount metadata item, delivered as a JSON number
// or string depending on the provider mood.
func parseAmount(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case string:
		d, err := decimal.NewFromString(val)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// parseTransactionDate reads Daraja's YYYYMMDDHHMMSS stamp, delivered as
// a JSON number or string depending on the provider mood.
func parseTransactionDate(v interface{}) (time.Time, bool) {
	var raw string
	switch val := v.(type) {
	case string:
		raw = val
	case float64:
		raw = strconv.FormatInt(int64(val), 10)
	default:
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
