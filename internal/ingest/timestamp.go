package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// millisThreshold separates second from millisecond epoch values. Second
// timestamps stay below it until the year 33658.
const millisThreshold = 1e12

// CoerceTimestamp converts a protocol timestamp of any representation into
// unix seconds. Absent, zero, malformed and negative inputs yield now. Values
// that look like milliseconds are scaled down. It never panics.
func CoerceTimestamp(v any, now time.Time) (ts int64) {
	fallback := now.Unix()
	defer func() {
		if recover() != nil {
			ts = fallback
		}
	}()

	secs, ok := coerce(v)
	if !ok || secs <= 0 {
		return fallback
	}
	if secs >= millisThreshold {
		secs /= 1000
	}
	return secs
}

func coerce(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return fromUint(x)
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case *int64:
		if x == nil {
			return 0, false
		}
		return *x, true
	case *uint64:
		if x == nil {
			return 0, false
		}
		return fromUint(*x)
	case *int32:
		if x == nil {
			return 0, false
		}
		return int64(*x), true
	case *uint32:
		if x == nil {
			return 0, false
		}
		return int64(*x), true
	case time.Time:
		if x.IsZero() {
			return 0, false
		}
		return x.Unix(), true
	case *time.Time:
		if x == nil || x.IsZero() {
			return 0, false
		}
		return x.Unix(), true
	case json.Number:
		return fromString(x.String())
	case string:
		return fromString(x)
	case interface{ AsTime() time.Time }:
		return coerce(x.AsTime())
	case interface{ GetValue() int64 }:
		return x.GetValue(), true
	case interface{ GetValue() uint64 }:
		return fromUint(x.GetValue())
	case interface{ GetValue() int32 }:
		return int64(x.GetValue()), true
	case interface{ GetValue() uint32 }:
		return int64(x.GetValue()), true
	case interface{ Int64() int64 }:
		return x.Int64(), true
	case interface{ Uint64() uint64 }:
		return fromUint(x.Uint64())
	case interface{ Int64() (int64, error) }:
		n, err := x.Int64()
		return n, err == nil
	case interface{ String() string }:
		return fromString(x.String())
	default:
		return 0, false
	}
}

func fromUint(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func fromFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func fromString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromFloat(f)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), true
	}
	return 0, false
}
