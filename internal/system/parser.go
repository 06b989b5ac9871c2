package system

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^(\d+)([KMGT]?)(I?B)?$`)

// ParseSize converts size string (1G, 100M, 512, 10MiB) to bytes
func ParseSize(s string) (uint64, error) {
	matches := sizePattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %s (use format like 1G, 100M, 500K)", s)
	}

	value, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %s", matches[1])
	}

	multipliers := map[string]uint64{
		"":  1,
		"K": 1 << 10,
		"M": 1 << 20,
		"G": 1 << 30,
		"T": 1 << 40,
	}
	mul := multipliers[matches[2]]
	if value > ^uint64(0)/mul {
		return 0, fmt.Errorf("size too large: %s", s)
	}

	return value * mul, nil
}

// FormatSize converts bytes to human-readable format
func FormatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}

// ParseDriveLetter normalises a drive letter argument ("p", "P", "P:").
func ParseDriveLetter(s string) (string, error) {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), ":")
	if len(s) != 1 || s[0] < 'A' || s[0] > 'Z' {
		return "", fmt.Errorf("invalid drive letter: %q (use A-Z)", s)
	}
	return s, nil
}

// MountInfo is one /proc/mounts entry.
type MountInfo struct {
	Device     string
	MountPoint string
	Filesystem string
}

// ParseProcMounts parses /proc/mounts content, keyed by device.
func ParseProcMounts(data string) map[string]MountInfo {
	mounts := make(map[string]MountInfo)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts[fields[0]] = MountInfo{
			Device:     fields[0],
			MountPoint: unescapeMountField(fields[1]),
			Filesystem: fields[2],
		}
	}
	return mounts
}

// /proc/mounts escapes whitespace and backslashes as octal.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
