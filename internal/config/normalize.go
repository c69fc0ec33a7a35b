package config

import (
	"regexp"
	"strings"
)

const DefaultDeviceID = "unknown-device"

var (
	validIDRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	edgeDashes   = regexp.MustCompile(`^[-.]+|[-.]+$`)
)

// NormalizeDeviceID turns a host or user supplied name into the device id
// sent to the Hub: lowercase, at most 64 chars of [a-z0-9._-], invalid runs
// collapsed to "-", no leading or trailing separators.
func NormalizeDeviceID(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultDeviceID
	}

	lower := strings.ToLower(trimmed)
	if validIDRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = edgeDashes.ReplaceAllString(result, "")
	if len(result) > 64 {
		result = strings.TrimRight(result[:64], "-.")
	}
	if result == "" {
		return DefaultDeviceID
	}
	return result
}
