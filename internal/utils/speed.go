package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Speed limit presets in bytes per second. Unlimited is 0.
const (
	SpeedUnlimited int64 = 0
	SpeedSlow      int64 = 100 * 1024
	SpeedMedium    int64 = 500 * 1024
	SpeedFast      int64 = 1024 * 1024
)

var speedPresets = map[string]int64{
	"unlimited": SpeedUnlimited,
	"slow":      SpeedSlow,
	"medium":    SpeedMedium,
	"fast":      SpeedFast,
}

var byteUnits = []struct {
	suffix string
	factor int64
}{
	{"mib", 1024 * 1024},
	{"kib", 1024},
	{"mb", 1000 * 1000},
	{"kb", 1000},
	{"m", 1024 * 1024},
	{"k", 1024},
	{"b", 1},
}

// ParseSpeedLimit converts a preset name ("slow"), a plain byte count
// ("250000") or a suffixed size ("500K", "1MiB") into bytes per second
func ParseSpeedLimit(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SpeedUnlimited, nil
	}
	if v, ok := speedPresets[s]; ok {
		return v, nil
	}

	s = strings.TrimSuffix(s, "/s")
	factor := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			factor = u.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid speed limit %q", s)
	}
	return int64(n * float64(factor)), nil
}

// FormatSpeed renders a byte rate for logs and the CLI
func FormatSpeed(limit int64) string {
	switch {
	case limit <= 0:
		return "unlimited"
	case limit >= 1024*1024:
		return fmt.Sprintf("%.1f MiB/s", float64(limit)/(1024*1024))
	case limit >= 1024:
		return fmt.Sprintf("%.0f KiB/s", float64(limit)/1024)
	default:
		return fmt.Sprintf("%d B/s", limit)
	}
}
