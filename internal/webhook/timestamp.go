package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is an epoch value sent either as a JSON string or number.
type Timestamp string

// UnmarshalJSON accepts "1700000000", 1700000000 and null.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*t = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*t = Timestamp(str)
	default:
		*t = Timestamp(s)
	}
	return nil
}

// Time normalizes t, falling back to now.
func (t Timestamp) Time(now time.Time) time.Time {
	return NormalizeTimestamp(string(t), now)
}

// NormalizeTimestamp converts an epoch string to a time. Values with more
// than 10 digits are milliseconds, others seconds. Empty, non-numeric and
// non-positive values yield now.
func NormalizeTimestamp(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f > 1e18 {
			return now
		}
		n = int64(f)
	}
	if n <= 0 {
		return now
	}
	return EpochTime(n)
}

// EpochTime reads a positive epoch as milliseconds when it has more than 10
// digits, otherwise as seconds.
func EpochTime(n int64) time.Time {
	if len(strconv.FormatInt(n, 10)) > 10 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
