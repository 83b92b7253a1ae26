package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// EstimateBytes approximates the size of one cell. It is a resource guard, not
// an encoding-accurate count: text is its byte length, numbers and timestamps
// cost 8, uuids 16, booleans 1, NULL nothing, anything else the length of its
// fmt form.
func EstimateBytes(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case bool:
		return 1
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return 8
	case time.Time, time.Duration:
		return 8
	case pgtype.Numeric, pgtype.Time, pgtype.Interval, pgtype.Date,
		pgtype.Timestamp, pgtype.Timestamptz:
		return 8
	case [16]byte:
		return 16
	default:
		return int64(len(fmt.Sprint(val)))
	}
}
