package util

import "time"

// TimestampMS is the wall clock in milliseconds; connection last-activity
// stamps compare these values, so they only need to be mutually consistent.
func TimestampMS() uint64 {
	return uint64(time.Now().UnixMilli())
}
