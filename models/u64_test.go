package models

import (
	"fmt"
	"math"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestEncodeU64(t *testing.T) {
	assert.Equal(t, "00000000000000000000", EncodeU64(0))
	assert.Equal(t, "18446744073709551615", EncodeU64(math.MaxUint64))
	assert.Less(t, EncodeU64(9), EncodeU64(10))
	assert.Less(t, EncodeU64(math.MaxInt64), EncodeU64(math.MaxInt64+1))
}

func TestU64ColumnsRoundTrip(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Wallet{}))

	balances := map[string]uint64{
		"zero": 0,
		"nine": 9,
		"high": math.MaxInt64 + 1,
		"max":  math.MaxUint64,
	}
	for addr, b := range balances {
		require.NoError(t, db.Create(&Wallet{Address: addr, Balance: b}).Error)
	}

	for addr, b := range balances {
		var w Wallet
		require.NoError(t, db.First(&w, "address = ?", addr).Error)
		assert.Equal(t, b, w.Balance, addr)
	}

	var ordered []Wallet
	require.NoError(t, db.Where("balance <> ?", U64Zero).Order("balance DESC").Find(&ordered).Error)
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"max", "high", "nine"}, []string{ordered[0].Address, ordered[1].Address, ordered[2].Address})
}
