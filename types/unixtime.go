package types

import (
	"math"
	"strconv"
	"time"
)

// UnixTime is a UTC timestamp serialized on the wire as Unix seconds with
// a fractional part, the way aleph messages carry their `time` field.
type UnixTime time.Time

// TimeFromUnix converts float Unix seconds to a UnixTime, truncated to
// millisecond resolution to match the wire precision.
func TimeFromUnix(sec float64) UnixTime {
	s, frac := math.Modf(sec)
	return UnixTime(time.Unix(int64(s), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC())
}

// Time returns the underlying time.Time in UTC.
func (t UnixTime) Time() time.Time {
	return time.Time(t).UTC()
}

// Unix returns the timestamp as float seconds.
func (t UnixTime) Unix() float64 {
	tt := time.Time(t)
	return float64(tt.Unix()) + float64(tt.Nanosecond())/1e9
}

// MarshalJSON encodes the timestamp as a JSON number of Unix seconds.
func (t UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(t.Unix(), 'f', -1, 64)), nil
}

// UnmarshalJSON accepts a JSON number of Unix seconds.
func (t *UnixTime) UnmarshalJSON(data []byte) error {
	sec, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*t = TimeFromUnix(sec)
	return nil
}
