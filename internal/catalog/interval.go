package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// Interval is a candle bucket width such as 1m, 4h, 1d, 1w or 1M.
type Interval struct {
	Count int
	Unit  byte
}

// ParseInterval accepts <count><unit> with units m/h/d/w/M. Uppercase H, D
// and W are tolerated; a missing count means 1.
func ParseInterval(raw string) (Interval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Interval{}, fmt.Errorf("empty interval")
	}

	unit := s[len(s)-1]
	switch unit {
	case 'H':
		unit = 'h'
	case 'D':
		unit = 'd'
	case 'W':
		unit = 'w'
	case 'm', 'h', 'd', 'w', 'M':
	default:
		return Interval{}, fmt.Errorf("unknown interval unit %q", raw)
	}

	count := 1
	if digits := s[:len(s)-1]; digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n <= 0 {
			return Interval{}, fmt.Errorf("invalid interval count %q", raw)
		}
		count = n
	}
	return Interval{Count: count, Unit: unit}, nil
}

// String renders the canonical lowercase-unit form used in cache keys.
func (i Interval) String() string {
	return strconv.Itoa(i.Count) + string(i.Unit)
}

// Binance renders the Binance kline interval, which matches the canonical
// form directly.
func (i Interval) Binance() string { return i.String() }

// Bybit renders the v5 kline interval: minutes for sub-day widths, D/W/M for
// exactly one day, week or month, and minutes again for multi-day widths.
func (i Interval) Bybit() string {
	switch i.Unit {
	case 'm':
		return strconv.Itoa(i.Count)
	case 'h':
		return strconv.Itoa(i.Count * 60)
	case 'd':
		if i.Count == 1 {
			return "D"
		}
		return strconv.Itoa(i.Count * 1440)
	case 'w':
		if i.Count == 1 {
			return "W"
		}
		return strconv.Itoa(i.Count * 10080)
	default:
		return "M"
	}
}
