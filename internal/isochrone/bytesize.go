package isochrone

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseBytes reads sizes such as "512", "64m", "1.5g" or "256kb". Zero turns
// the RAM tier off.
func parseBytes(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	num := strings.TrimSuffix(s, "b")
	mult := int64(1)
	if n := len(num); n > 0 {
		if m, ok := byteUnits[num[n-1]]; ok {
			mult = m
			num = num[:n-1]
		}
	}
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// formatBytes is the inverse of parseBytes for log output.
func formatBytes(b uint64) string {
	units := []struct {
		suffix string
		size   uint64
	}{{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10}}
	for _, u := range units {
		if b >= u.size {
			s := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 1, 64)
			return strings.TrimSuffix(s, ".0") + u.suffix
		}
	}
	return strconv.FormatUint(b, 10) + "b"
}
