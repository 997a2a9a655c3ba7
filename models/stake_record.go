package models

import (
	"time"

	"github.com/cppla/stakeledger/staking"
)

// StakeRecord persists one staking.Record per owner.
type StakeRecord struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	staking.Record `gorm:"embedded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName pins the table name independent of naming strategy.
func (StakeRecord) TableName() string {
	return "stake_records"
}
