package models

import "time"

// PointClaim records a ClaimPoints call and what it yielded.
type PointClaim struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Owner     string    `gorm:"size:64;index;not null" json:"owner"`
	Points    uint64    `gorm:"serializer:u64;size:20;not null" json:"points"`
	RawPoints uint64    `gorm:"serializer:u64;size:20;not null" json:"raw_points"`
	Memo      string    `gorm:"size:255" json:"memo"`
	ClaimedAt int64     `gorm:"not null" json:"claimed_at"`
	CreatedAt time.Time `json:"created_at"`
}
