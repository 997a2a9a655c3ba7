package models

import "time"

// TransferKind classifies journal entries.
type TransferKind string

const (
	TransferDeposit  TransferKind = "deposit"
	TransferWithdraw TransferKind = "withdraw"
	TransferCredit   TransferKind = "credit"
)

// Transfer is an append-only journal row for every value movement.
type Transfer struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	FromAddr  string       `gorm:"size:96;index" json:"from"`
	ToAddr    string       `gorm:"size:96;index;not null" json:"to"`
	Amount    uint64       `gorm:"serializer:u64;size:20;not null" json:"amount"`
	Kind      TransferKind `gorm:"size:16;not null" json:"kind"`
	Custodial bool         `gorm:"not null;default:false" json:"custodial"`
	CreatedAt time.Time    `gorm:"index" json:"created_at"`
}
