package payment

import (
	"context"
	"time"

	"nyumbani/internal/domain"
)

// PollPhase is the client-local view of a payment while waiting for the
// push prompt to resolve. It mirrors the server statuses plus an initial
// phase before the first poll answers.
type PollPhase string

const (
	PhaseAwaitingResponse PollPhase = "AWAITING_RESPONSE"
	PhaseProcessing       PollPhase = "PROCESSING"
	PhaseCompleted        PollPhase = "COMPLETED"
	PhaseFailed           PollPhase = "FAILED"
	PhaseCancelled        PollPhase = "CANCELLED"
)

// StatusFetcher is one status-endpoint round trip.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, paymentID string) (*StatusProjection, error)
}

// PollingSession polls a payment on a fixed interval until it settles or
// the hard timeout passes. On timeout it reports CANCELLED locally and
// stops; the server record is deliberately left alone, since a late
// callback may still resolve the payment.
type PollingSession struct {
	fetcher  StatusFetcher
	interval time.Duration
	timeout  time.Duration
	loggerf  func(format string, args ...interface{})
}

func NewPollingSession(fetcher StatusFetcher, interval, timeout time.Duration, loggerf func(format string, args ...interface{})) *PollingSession {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &PollingSession{
		fetcher:  fetcher,
		interval: interval,
		timeout:  timeout,
		loggerf:  loggerf,
	}
}

// Run blocks until the payment settles, the hard timeout fires, or ctx is
// cancelled. The ticker and the deadline timer are both owned here and
// released before returning, whichever exit path is taken.
func (s *PollingSession) Run(ctx context.Context, paymentID string) PollPhase {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	phase := PhaseAwaitingResponse
	for {
		select {
		case <-ctx.Done():
			s.loggerf("level=info msg=polling session closed payment_id=%s phase=%s", paymentID, phase)
			return phase

		case <-deadline.C:
			// local-only outcome; the server keeps tracking real state
			s.loggerf("level=warn msg=polling session timed out payment_id=%s", paymentID)
			return PhaseCancelled

		case <-ticker.C:
			proj, err := s.fetcher.FetchStatus(ctx, paymentID)
			if err != nil {
				s.loggerf("level=warn msg=status poll failed payment_id=%s err=%v", paymentID, err)
				continue
			}
			switch proj.Status {
			case domain.PaymentCompleted:
				return PhaseCompleted
			case domain.PaymentFailed:
				return PhaseFailed
			case domain.PaymentCancelled:
				return PhaseCancelled
			default:
				// first answered poll leaves the awaiting phase
				phase = PhaseProcessing
			}
		}
	}
}
