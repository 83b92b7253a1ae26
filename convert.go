package dbmcp

import (
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// convertValue turns a value decoded by pgx into something encoding/json
// renders faithfully. It runs after the byte estimate, so it may grow values.
func convertValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float32:
		return convertFloat(float64(val), val)
	case float64:
		return convertFloat(val, val)
	case netip.Prefix:
		return val.String()
	case net.HardwareAddr:
		return val.String()
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		// bytea and xml
		return base64.StdEncoding.EncodeToString(val)
	case pgtype.Time:
		if !val.Valid {
			return nil
		}
		return formatTimeOfDay(val.Microseconds)
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		return formatInterval(val)
	case pgtype.Numeric:
		return convertNumeric(val)
	case pgtype.Range[any]:
		if !val.Valid {
			return nil
		}
		return formatRange(val)
	case pgtype.Bits:
		if !val.Valid {
			return nil
		}
		return formatBits(val)
	case pgtype.Point, pgtype.Line, pgtype.Lseg, pgtype.Box, pgtype.Path, pgtype.Polygon, pgtype.Circle:
		return formatGeometry(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = convertValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = convertValue(elem)
		}
		return out
	default:
		return val
	}
}

// convertFloat maps the IEEE specials JSON cannot carry to their PostgreSQL
// spellings and returns orig otherwise, keeping float32 as float32.
func convertFloat(f float64, orig any) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return orig
}

func convertNumeric(val pgtype.Numeric) any {
	if !val.Valid {
		return nil
	}
	if val.NaN {
		return "NaN"
	}
	switch val.InfinityModifier {
	case pgtype.Infinity:
		return "Infinity"
	case pgtype.NegativeInfinity:
		return "-Infinity"
	}
	b, err := val.MarshalJSON()
	if err != nil {
		return nil
	}
	return string(b)
}

func formatTimeOfDay(us int64) string {
	hours := us / 3_600_000_000
	us -= hours * 3_600_000_000
	minutes := us / 60_000_000
	us -= minutes * 60_000_000
	seconds := us / 1_000_000
	us -= seconds * 1_000_000
	if us > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%06d", hours, minutes, seconds, us)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func formatInterval(val pgtype.Interval) string {
	var parts []string
	if years := val.Months / 12; years != 0 {
		parts = append(parts, fmt.Sprintf("%d year(s)", years))
	}
	if months := val.Months % 12; months != 0 {
		parts = append(parts, fmt.Sprintf("%d mon(s)", months))
	}
	if val.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d day(s)", val.Days))
	}
	if val.Microseconds != 0 {
		parts = append(parts, (time.Duration(val.Microseconds) * time.Microsecond).String())
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " ")
}

func formatRange(val pgtype.Range[any]) string {
	if val.LowerType == pgtype.Empty {
		return "empty"
	}
	var sb strings.Builder
	if val.LowerType == pgtype.Inclusive {
		sb.WriteByte('[')
	} else {
		sb.WriteByte('(')
	}
	if val.LowerType != pgtype.Unbounded {
		fmt.Fprintf(&sb, "%v", convertValue(val.Lower))
	}
	sb.WriteByte(',')
	if val.UpperType != pgtype.Unbounded {
		fmt.Fprintf(&sb, "%v", convertValue(val.Upper))
	}
	if val.UpperType == pgtype.Inclusive {
		sb.WriteByte(']')
	} else {
		sb.WriteByte(')')
	}
	return sb.String()
}

func formatBits(val pgtype.Bits) string {
	out := make([]byte, val.Len)
	for i := int32(0); i < val.Len; i++ {
		if val.Bytes[i/8]&(1<<uint(7-i%8)) != 0 {
			out[i] = '1'
		} else {
			out[i] = '0'
		}
	}
	return string(out)
}

// formatGeometry renders geometric types in PostgreSQL's text output format.
func formatGeometry(v any) any {
	switch val := v.(type) {
	case pgtype.Point:
		if !val.Valid {
			return nil
		}
		return formatPoint(val.P)
	case pgtype.Line:
		if !val.Valid {
			return nil
		}
		return fmt.Sprintf("{%g,%g,%g}", val.A, val.B, val.C)
	case pgtype.Lseg:
		if !val.Valid {
			return nil
		}
		return "[" + formatPoint(val.P[0]) + "," + formatPoint(val.P[1]) + "]"
	case pgtype.Box:
		if !val.Valid {
			return nil
		}
		return formatPoint(val.P[0]) + "," + formatPoint(val.P[1])
	case pgtype.Path:
		if !val.Valid {
			return nil
		}
		if val.Closed {
			return "(" + formatPoints(val.P) + ")"
		}
		return "[" + formatPoints(val.P) + "]"
	case pgtype.Polygon:
		if !val.Valid {
			return nil
		}
		return "(" + formatPoints(val.P) + ")"
	case pgtype.Circle:
		if !val.Valid {
			return nil
		}
		return fmt.Sprintf("<%s,%g>", formatPoint(val.P), val.R)
	}
	return v
}

func formatPoint(p pgtype.Vec2) string {
	return fmt.Sprintf("(%g,%g)", p.X, p.Y)
}

func formatPoints(points []pgtype.Vec2) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = formatPoint(p)
	}
	return strings.Join(parts, ",")
}
