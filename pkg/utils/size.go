package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// unitMultipliers maps upper-cased units to bytes. Two-letter units are
// decimal, IEC and single-letter units are binary.
var unitMultipliers = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1000, "MB": 1000 * 1000, "GB": 1000 * 1000 * 1000,
	"K": KiB, "KIB": KiB,
	"M": MiB, "MIB": MiB,
	"G": GiB, "GIB": GiB,
}

// ParseDataSize parses sizes such as "1MB", "512KiB", "64k" or a plain byte
// count. Policy ceilings in the config file use this format.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1MB', '512KiB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// FormatDataSize formats bytes with binary units, e.g. "1.5 MB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiB {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(bytes) / float64(KiB)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}

	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}

// Megabytes converts bytes to binary megabytes rounded to two decimals, the
// unit sync-stats reports storage usage in.
func Megabytes(bytes int64) float64 {
	mb := float64(bytes) / float64(MiB)
	return float64(int64(mb*100+0.5)) / 100
}
