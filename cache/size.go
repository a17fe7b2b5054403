package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultSize is the in-memory cache budget used when none is configured.
const DefaultSize = 256 << 20

// ParseSize parses a byte count with an optional K, M or G suffix (powers of 1024), e.g. "512K".
func ParseSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultSize, nil
	}

	multiplier := int64(1)
	switch strings.ToUpper(value[len(value)-1:]) {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	}
	if multiplier != 1 {
		value = value[:len(value)-1]
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	return n * multiplier, nil
}

// Via builds the Via header value identifying this node and its cache engine.
func Via(frontendName, nodeID, engine string) string {
	return fmt.Sprintf("http/1.1 %s[%s] (%s)", frontendName, nodeID, engine)
}
