package planmodel

import "time"

// Duration mirrors the wire shape
// {"secs": <non-negative int>, "nanos": <0..999_999_999>}.
type Duration struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

// ToStd converts the wire duration to a time.Duration.
func (d Duration) ToStd() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)*time.Nanosecond
}

// FromStd builds the wire duration shape from a time.Duration.
func FromStd(d time.Duration) Duration {
	return Duration{
		Secs:  uint64(d / time.Second),
		Nanos: uint32(d % time.Second),
	}
}
