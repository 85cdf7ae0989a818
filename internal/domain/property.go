package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PropertyStatus string

const (
	PropertyAvailable PropertyStatus = "available"
	PropertyRented    PropertyStatus = "rented"
	PropertyDelisted  PropertyStatus = "delisted"
)

type Property struct {
	ID          string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID     int64           `gorm:"index" json:"owner_id"`
	Title       string          `json:"title"`
	City        string          `json:"city"`
	MonthlyRent decimal.Decimal `gorm:"type:numeric(12,2)" json:"monthly_rent"`
	Deposit     decimal.Decimal `gorm:"type:numeric(12,2)" json:"deposit"`
	BookingFee  decimal.Decimal `gorm:"type:numeric(12,2)" json:"booking_fee"`
	Status      PropertyStatus  `gorm:"type:varchar(16);default:'available'" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (Property) TableName() string { return "properties" }
