package models

import "time"

// Wallet holds spendable value for a user or a custody address.
type Wallet struct {
	Address   string    `gorm:"primaryKey;size:96" json:"address"`
	Balance   uint64    `gorm:"serializer:u64;size:20;not null" json:"balance"`
	Custodial bool      `gorm:"not null;default:false" json:"custodial"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
