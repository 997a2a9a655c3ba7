package staking

// Record is the per-user stake state. Owner is fixed at creation.
type Record struct {
	Owner         string `gorm:"size:64;uniqueIndex;not null" json:"owner"`
	StakedAmount  uint64 `gorm:"serializer:u64;size:20;not null" json:"staked_amount"`
	TotalPoints   uint64 `gorm:"serializer:u64;size:20;not null" json:"total_points"`
	LastStakeTime int64  `gorm:"not null" json:"last_stake_time"`
	// Bump is the custody derivation nonce; it plays no part in accrual.
	Bump uint8 `gorm:"not null" json:"bump"`
}

// Staking reports whether the record holds a non-zero balance.
func (r Record) Staking() bool {
	return r.StakedAmount > 0
}

// ClaimablePoints is the whole-point value of TotalPoints.
func (r Record) ClaimablePoints() uint64 {
	return WholePoints(r.TotalPoints)
}
