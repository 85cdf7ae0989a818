package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nyumbani/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrPaymentNotFound         = errors.New("payment not found")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	var p domain.Payment
	if err := r.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Payment, error) {
	var out []domain.Payment
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// Transition is the single write path for payment status. It is a
// conditional update on the current status, so two racing writers can
// never both apply a terminal transition: the row matches the WHERE
// clause for exactly one of them. Returns whether the transition was
// applied.
func (r *PaymentRepository) Transition(ctx context.Context, id string, from []domain.PaymentStatus, to domain.PaymentStatus, extra map[string]interface{}) (bool, error) {
	for _, s := range from {
		if !domain.CanTransition(s, to) {
			return false, fmt.Errorf("illegal transition %s -> %s", s, to)
		}
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordConflict stores a conflicting terminal signal for manual review
// and bumps the payment's conflict counter. The payment row's status is
// never touched here.
func (r *PaymentRepository) RecordConflict(ctx context.Context, c *domain.PaymentConflict) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		res := tx.Model(&domain.Payment{}).
			Where("id = ?", c.PaymentID).
			Update("conflict_count", gorm.Expr("conflict_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPaymentNotFound
		}
		return nil
	})
}

func (r *PaymentRepository) ListConflicts(ctx context.Context, paymentID string) ([]domain.PaymentConflict, error) {
	var out []domain.PaymentConflict
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// sqlite driver used in tests reports unique violations as plain strings
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
