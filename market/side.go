package market

import "fmt"

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == Long || s == Short
}

// SignedUnits returns units with the broker sign convention applied.
func (s Side) SignedUnits(units float64) float64 {
	if units < 0 {
		units = -units
	}
	return s.Sign() * units
}

// SideOf derives the side from signed broker units.
func SideOf(units float64) Side {
	if units < 0 {
		return Short
	}
	return Long
}

func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Long, Short:
		return Side(s), nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}
