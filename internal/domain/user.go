package domain

import "time"

type UserRole string

const (
	RoleTenant   UserRole = "tenant"
	RoleLandlord UserRole = "landlord"
	RoleAdmin    UserRole = "admin"
)

type User struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Email     string    `json:"email" validate:"required,email"`
	Role      UserRole  `gorm:"type:varchar(16)" json:"role"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
