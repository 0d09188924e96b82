package domain

import "time"

// Roles a user can hold
const (
	RoleUser  = "user"  // Regular wallet holder
	RoleAdmin = "admin" // Treasury operator, may mint and manage proposals
)

// User Model
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`                           // Primary key
	Username     string    `gorm:"size:64;uniqueIndex;not null" json:"username"`   // Unique username
	Password     string    `gorm:"not null" json:"-"`                              // Hashed password
	Role         string    `gorm:"size:16;default:user" json:"role"`               // Role: user or admin
	Jurisdiction string    `gorm:"size:2;not null;default:ZA" json:"jurisdiction"` // ISO-3166 alpha-2 country code
	Sanctioned   bool      `gorm:"not null;default:false" json:"sanctioned"`       // Listed by sanctions screening
	KYCVerified  bool      `gorm:"not null;default:false" json:"kyc_verified"`     // Identity verification passed
	CreatedAt    time.Time `json:"created_at"`                                     // Registration time
	UpdatedAt    time.Time `json:"updated_at"`                                     // Last profile change
}

// IsAdmin reports whether the user may operate treasury endpoints
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
