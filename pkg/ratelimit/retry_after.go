package ratelimit

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderRetryAfter is the response header carrying the server's wait hint.
const HeaderRetryAfter = "Retry-After"

// maxRetryAfterSeconds is the largest delta-seconds value a Duration holds.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// ParseRetryAfter decodes a Retry-After header given as delta-seconds or
// as an HTTP-date. It returns 0 when the header is absent, malformed or
// already in the past.
func ParseRetryAfter(headers http.Header, now time.Time) time.Duration {
	value := strings.TrimSpace(headers.Get(HeaderRetryAfter))
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil || isRangeError(err) {
		if seconds <= 0 {
			return 0
		}
		if seconds > maxRetryAfterSeconds {
			seconds = maxRetryAfterSeconds
		}
		return time.Duration(seconds) * time.Second
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

func isRangeError(err error) bool {
	var numErr *strconv.NumError
	return errors.As(err, &numErr) && numErr.Err == strconv.ErrRange
}
