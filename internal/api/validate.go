package api

import (
	"net"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (rule names, chain names).
const maxNameLen = 200

// maxHostLen is the maximum length for hostnames/IP addresses.
const maxHostLen = 253

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed
// maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateHost checks that a string looks like a usable hostname or IP.
func validateHost(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxHostLen {
		return field + " exceeds maximum length"
	}
	if net.ParseIP(value) != nil {
		return ""
	}
	if strings.ContainsAny(value, " \t\n\r") {
		return field + " contains invalid characters"
	}
	return ""
}

// validatePort checks a TCP/UDP port number.
func validatePort(field string, value int) string {
	if value < 1 || value > 65535 {
		return field + " must be between 1 and 65535"
	}
	return ""
}

// validateTransport checks a SIP transport name. Empty means the default.
func validateTransport(field, value string) string {
	switch value {
	case "", "udp", "tcp":
		return ""
	}
	return field + " must be \"udp\" or \"tcp\""
}

// validateServiceKeyRange checks optional service-key bounds.
func validateServiceKeyRange(min, max *int) string {
	if min != nil && *min < 0 {
		return "service_key_min must be non-negative"
	}
	if max != nil && *max < 0 {
		return "service_key_max must be non-negative"
	}
	if min != nil && max != nil && *min > *max {
		return "service_key_min must not exceed service_key_max"
	}
	return ""
}

// validateCause checks an optional Q.850 cause value. Causes are seven
// bits on the wire and zero is reserved for the absent marker.
func validateCause(field string, value *int) string {
	if value == nil {
		return ""
	}
	if *value < 1 || *value > 127 {
		return field + " must be between 1 and 127"
	}
	return ""
}
