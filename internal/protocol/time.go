package protocol

import (
	"fmt"
	"time"
)

// TSLayout is the second-precision RFC 3339 UTC layout persona workers stamp
// onto outgoing bot messages.
const TSLayout = "2006-01-02T15:04:05Z"

// NowTS returns the current time as a second-precision RFC 3339 UTC string.
func NowTS() string {
	return time.Now().UTC().Format(TSLayout)
}

// NowRFC3339 returns the current time as a full-precision RFC 3339 UTC
// string, used for gateway trace enrichment.
func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NowMS returns the current unix time in milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// ParseTS parses an RFC 3339 timestamp, accepting fractional seconds, an
// explicit offset or "Z", and a bare local form (interpreted as UTC).
func ParseTS(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// TimestampMS converts an RFC 3339 timestamp to unix milliseconds.
func TimestampMS(s string) (int64, error) {
	t, err := ParseTS(s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
