package capxml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/capgw/capgw/internal/cap"
)

// Custom SIP headers carried end-to-end between protocol domains.
const (
	// CauseHeader carries a numeric Q.850 release cause. When present and
	// parseable it overrides default cause derivation on the release path.
	CauseHeader = "X-CAP-Cause"

	// ACPHeader toggles suspension of automatic call processing: "start"
	// begins the suspension, "stop" ends it. Exactly two values are
	// recognized; anything else is invalid and must be ignored.
	ACPHeader = "X-CAP-ACP"

	ACPStart = "start"
	ACPStop  = "stop"
)

// FormatCause renders a cause for the CauseHeader. Unmapped causes have no
// header representation.
func FormatCause(c cap.Cause) (string, bool) {
	v, err := c.Wire()
	if err != nil {
		return "", false
	}
	return strconv.Itoa(v), true
}

// ParseCause parses a CauseHeader value. An absent or unparseable value
// returns CauseUnmapped and false; the caller falls back to default cause
// derivation.
func ParseCause(value string) (cap.Cause, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return cap.CauseUnmapped, false
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return cap.CauseUnmapped, false
	}
	c := cap.CauseFromWire(v)
	if c == cap.CauseUnmapped {
		return cap.CauseUnmapped, false
	}
	return c, true
}

// ParseACP interprets an ACPHeader value. It reports whether suspension of
// automatic call processing begins ("start") or ends ("stop"), and returns
// an error for anything else, which the caller logs and ignores without a
// state change.
func ParseACP(value string) (suspend bool, err error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case ACPStart:
		return true, nil
	case ACPStop:
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value %q", ACPHeader, value)
}
