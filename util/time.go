package util

import (
	"time"
)

var (
	UpSince = time.Now()
)

func UptimeInString() string {
	return time.Since(UpSince).Truncate(time.Second).String()
}

// t2 is now, t1 is time base
func UptimeInSec(t2 float64, t1 float64) float64 {
	if t2 <= t1 {
		return 0.01
	}
	return t2 - t1
}

func NowInSec() float64 {
	return float64(time.Now().UnixMicro()) / 1000000.0
}
