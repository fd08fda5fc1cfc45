package oplog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPosition is returned when a position string cannot be parsed.
var ErrInvalidPosition = errors.New("invalid log position")

// Position is a two-part log timestamp.
//
// Positions are compared lexicographically: Seconds first, then Sequence.
// The zero Position sorts before every entry and means "from the beginning".
type Position struct {
	Seconds  uint32 `json:"seconds"`
	Sequence uint32 `json:"sequence"`
}

// String renders the position as "{seconds}_{sequence}".
func (p Position) String() string {
	return fmt.Sprintf("%d_%d", p.Seconds, p.Sequence)
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p.Seconds == 0 && p.Sequence == 0
}

// Compare returns -1, 0 or +1 depending on whether p sorts before, equal to
// or after other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Seconds < other.Seconds:
		return -1
	case p.Seconds > other.Seconds:
		return 1
	case p.Sequence < other.Sequence:
		return -1
	case p.Sequence > other.Sequence:
		return 1
	}
	return 0
}

// After reports whether p sorts strictly after other.
func (p Position) After(other Position) bool {
	return p.Compare(other) > 0
}

// Int64 packs the position into a single integer, seconds in the high 32 bits.
// This is the MongoDB timestamp layout.
func (p Position) Int64() int64 {
	return int64(p.Seconds)<<32 | int64(p.Sequence)
}

// FromInt64 unpacks a position produced by Int64.
func FromInt64(v int64) Position {
	return Position{
		Seconds:  uint32(uint64(v) >> 32),
		Sequence: uint32(uint64(v) & 0xffffffff),
	}
}

// ParsePosition parses the "{seconds}_{sequence}" form.
// Both parts must be base-10 unsigned 32-bit integers.
func ParsePosition(s string) (Position, error) {
	secs, seq, ok := strings.Cut(strings.TrimSpace(s), "_")
	if !ok {
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}

	sv, err := strconv.ParseUint(secs, 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %q: seconds: %v", ErrInvalidPosition, s, err)
	}
	qv, err := strconv.ParseUint(seq, 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %q: sequence: %v", ErrInvalidPosition, s, err)
	}

	return Position{Seconds: uint32(sv), Sequence: uint32(qv)}, nil
}

// PositionFromMap decodes a position stored as {"seconds": n, "sequence": m}.
// Numeric values may arrive as any Go integer or float type depending on the
// backend's decoder.
func PositionFromMap(m map[string]any) (Position, error) {
	secs, err := toUint32(m["seconds"])
	if err != nil {
		return Position{}, fmt.Errorf("%w: seconds: %v", ErrInvalidPosition, err)
	}
	seq, err := toUint32(m["sequence"])
	if err != nil {
		return Position{}, fmt.Errorf("%w: sequence: %v", ErrInvalidPosition, err)
	}
	return Position{Seconds: secs, Sequence: seq}, nil
}

// Map is the inverse of PositionFromMap.
func (p Position) Map() map[string]any {
	return map[string]any{
		"seconds":  int64(p.Seconds),
		"sequence": int64(p.Sequence),
	}
}

func toUint32(v any) (uint32, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case float64:
		n = int64(x)
		if float64(n) != x {
			return 0, fmt.Errorf("non-integer value %v", x)
		}
	case interface{ Int64() (int64, error) }: // json.Number
		var err error
		if n, err = x.Int64(); err != nil {
			return 0, err
		}
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if n < 0 || n > 0xffffffff {
		return 0, fmt.Errorf("value %d out of range", n)
	}
	return uint32(n), nil
}
