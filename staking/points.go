package staking

import (
	"math/bits"

	"github.com/holiman/uint256"
)

const (
	// PointsScale is the fixed-point factor applied to stored points.
	PointsScale = 1_000_000
	// SecondsPerDay normalises accrual to a per-day rate.
	SecondsPerDay = 86400
)

var (
	scaleFactor = uint256.NewInt(PointsScale)
	dayFactor   = uint256.NewInt(SecondsPerDay)
)

// CalculatePoints returns floor(staked * elapsed / 86400) computed in wide
// arithmetic. The intermediate product is scaled up and back down so that a
// value exceeding 128 bits fails the same way it would on a u128 host.
func CalculatePoints(staked, elapsed uint64) (uint64, error) {
	// u64*u64 always fits in 128 bits.
	product := new(uint256.Int).Mul(uint256.NewInt(staked), uint256.NewInt(elapsed))

	scaled, of := new(uint256.Int).MulOverflow(product, scaleFactor)
	if of || scaled.BitLen() > 128 {
		return 0, overflow("points*scale")
	}
	scaled.Div(scaled, scaleFactor)
	scaled.Div(scaled, dayFactor)

	if !scaled.IsUint64() {
		return 0, overflow("points narrowing")
	}
	return scaled.Uint64(), nil
}

// UpdatePoints accrues points for the time since rec.LastStakeTime and moves
// the accrual clock to now. rec is left untouched on error.
func UpdatePoints(rec *Record, now int64) error {
	elapsed, err := elapsedSince(rec.LastStakeTime, now)
	if err != nil {
		return err
	}

	total := rec.TotalPoints
	if elapsed > 0 && rec.StakedAmount > 0 {
		points, err := CalculatePoints(rec.StakedAmount, elapsed)
		if err != nil {
			return err
		}
		sum, carry := bits.Add64(total, points, 0)
		if carry != 0 {
			return overflow("total_points+points")
		}
		total = sum
	}

	rec.TotalPoints = total
	rec.LastStakeTime = now
	return nil
}

// PendingPoints reports the raw points rec would hold if accrued at now.
func PendingPoints(rec Record, now int64) (uint64, error) {
	if err := UpdatePoints(&rec, now); err != nil {
		return 0, err
	}
	return rec.TotalPoints, nil
}

// WholePoints converts raw stored points to user-facing points.
func WholePoints(raw uint64) uint64 {
	return raw / PointsScale
}

func elapsedSince(last, now int64) (uint64, error) {
	if now < last {
		return 0, &Error{Kind: KindInvalidTimestamp, Now: now, Last: last}
	}
	d := now - last
	if d < 0 {
		// int64 subtraction wrapped
		return 0, &Error{Kind: KindInvalidTimestamp, Now: now, Last: last}
	}
	return uint64(d), nil
}
