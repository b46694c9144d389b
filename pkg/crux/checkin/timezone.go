package checkin

import (
	"fmt"
	"time"
)

// DefaultTimezone is where the check-in hour is measured when nothing else
// is configured.
const DefaultTimezone = "America/Chicago"

// ResolveLocation picks the check-in clock: a named IANA zone when set,
// otherwise a fixed UTC offset when set, otherwise DefaultTimezone.
func ResolveLocation(timezone string, utcOffsetHours *int) (*time.Location, error) {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("checkin: unknown timezone %q: %w", timezone, err)
		}
		return loc, nil
	}
	if utcOffsetHours != nil {
		h := *utcOffsetHours
		if h < -12 || h > 14 {
			return nil, fmt.Errorf("checkin: utc offset %d out of range", h)
		}
		return time.FixedZone(fmt.Sprintf("UTC%+d", h), h*3600), nil
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("checkin: load %s: %w", DefaultTimezone, err)
	}
	return loc, nil
}
