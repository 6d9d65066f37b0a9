package container

import (
	"fmt"
	"strconv"
)

// ResourceLimits are the caps applied to every execution container.
// MemoryBytes doubles as the swap limit (swap = memory, no extra swap).
type ResourceLimits struct {
	CPUShares   int64
	CPUQuota    int64 // microseconds per cpuPeriod; 0 disables the quota
	MemoryBytes int64
	PidsLimit   int64 // 0 leaves the daemon default
}

// cpuPeriod is the scheduling period the CPU quota is expressed against.
const cpuPeriod = 100000

const (
	unitB = 1
	unitK = 1 << 10
	unitM = 1 << 20
	unitG = 1 << 30
)

// ParseMemoryLimit parses a memory limit of the form <integer><b|k|m|g>,
// case-insensitively, into bytes. Anything else — missing suffix, unknown
// suffix, empty integer part, negative values — is an error.
func ParseMemoryLimit(s string) (int64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("container: malformed memory limit %q, want <integer><b|k|m|g>", s)
	}

	var unit int64
	switch s[len(s)-1] {
	case 'b', 'B':
		unit = unitB
	case 'k', 'K':
		unit = unitK
	case 'm', 'M':
		unit = unitM
	case 'g', 'G':
		unit = unitG
	default:
		return 0, fmt.Errorf("container: malformed memory limit %q, want <integer><b|k|m|g>", s)
	}

	digits := s[:len(s)-1]
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("container: malformed memory limit %q, want <integer><b|k|m|g>", s)
	}
	if unit > 1 && n > (1<<62)/unit {
		return 0, fmt.Errorf("container: memory limit %q overflows", s)
	}
	return n * unit, nil
}

// FormatMemory renders a byte count into the largest unit that divides it
// evenly, so ParseMemoryLimit(FormatMemory(n)) == n for every n in
// [0, 1<<62]; negative or larger values render but do not parse back.
func FormatMemory(bytes int64) string {
	switch {
	case bytes >= unitG && bytes%unitG == 0:
		return strconv.FormatInt(bytes/unitG, 10) + "g"
	case bytes >= unitM && bytes%unitM == 0:
		return strconv.FormatInt(bytes/unitM, 10) + "m"
	case bytes >= unitK && bytes%unitK == 0:
		return strconv.FormatInt(bytes/unitK, 10) + "k"
	default:
		return strconv.FormatInt(bytes, 10) + "b"
	}
}

// shortID truncates a container ID for log fields, matching the daemon's
// own 12-character convention.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}