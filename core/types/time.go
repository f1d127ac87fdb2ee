package types

import (
	"fmt"
	"time"
)

// BusinessZone is the logical day boundary for quotas, day caps, and metric
// buckets: UTC+8 with no daylight saving.
var BusinessZone = time.FixedZone("Asia/Shanghai", 8*60*60)

// DayKey renders t as the YYYYMMDD business-day bucket.
func DayKey(t time.Time) string {
	return t.In(BusinessZone).Format("20060102")
}

// HourKey renders t as the YYYYMMDDHH business-hour bucket.
func HourKey(t time.Time) string {
	return t.In(BusinessZone).Format("2006010215")
}

// ParseHourKey inverts HourKey. The returned time is the start of the hour
// in the business zone.
func ParseHourKey(key string) (time.Time, error) {
	ts, err := time.ParseInLocation("2006010215", key, BusinessZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("types: parse hour bucket %q: %w", key, err)
	}
	return ts, nil
}
