package model

import (
	"strconv"
	"strings"
)

// Cursor is the opaque resumption token the server attaches to every frame.
// The zero value means there is no cursor.
type Cursor string

// IsZero returns true if the cursor is not set.
func (c Cursor) IsZero() bool { return c == "" }

// Compare returns -1, 0 or +1 depending on c being before, equal or after other.
//
// Decimal cursors are compared numerically, anything else by length and then
// lexically so zero padded or not, increasing counters keep their order.
// An empty cursor is before any other cursor.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c == other:
		return 0
	case c.IsZero():
		return -1
	case other.IsZero():
		return 1
	}

	a, errA := strconv.ParseUint(string(c), 10, 64)
	b, errB := strconv.ParseUint(string(other), 10, 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}

	if len(c) != len(other) {
		if len(c) < len(other) {
			return -1
		}
		return 1
	}

	return strings.Compare(string(c), string(other))
}

// After returns true if c is strictly after other.
func (c Cursor) After(other Cursor) bool {
	return c.Compare(other) > 0
}

func (c Cursor) String() string { return string(c) }
