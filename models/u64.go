package models

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"gorm.io/gorm/schema"
)

// U64Width is the column width of a u64-serialized amount. Values are
// zero-padded to it so text ordering matches numeric ordering.
const U64Width = 20

// U64Zero is the stored form of 0, for use in raw SQL comparisons.
var U64Zero = EncodeU64(0)

func init() {
	schema.RegisterSerializer("u64", U64Serializer{})
}

// EncodeU64 renders v the way u64-serialized columns store it.
func EncodeU64(v uint64) string {
	return fmt.Sprintf("%0*d", U64Width, v)
}

// U64Serializer stores uint64 fields as fixed-width decimal text.
// database/sql refuses uint64 values with the high bit set and SQLite
// integer columns are signed, so the full range only survives as text.
type U64Serializer struct{}

// Scan implements schema.SerializerInterface.
func (U64Serializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	var n uint64
	switch v := dbValue.(type) {
	case nil:
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("u64 column %s: %w", field.DBName, err)
		}
		n = parsed
	case []byte:
		parsed, err := strconv.ParseUint(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("u64 column %s: %w", field.DBName, err)
		}
		n = parsed
	case int64:
		if v < 0 {
			return fmt.Errorf("u64 column %s: negative value %d", field.DBName, v)
		}
		n = uint64(v)
	case uint64:
		n = v
	default:
		return fmt.Errorf("u64 column %s: unsupported type %T", field.DBName, dbValue)
	}
	field.ReflectValueOf(ctx, dst).SetUint(n)
	return nil
}

// Value implements schema.SerializerValuerInterface.
func (U64Serializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue interface{}) (interface{}, error) {
	switch v := fieldValue.(type) {
	case uint64:
		return EncodeU64(v), nil
	case *uint64:
		if v == nil {
			return nil, nil
		}
		return EncodeU64(*v), nil
	default:
		return nil, fmt.Errorf("u64 column %s: unsupported type %T", field.DBName, fieldValue)
	}
}
