// Package datetime provides the timestamp column type shared by the
// coffee.db tables.
package datetime

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// unixEpochTicks is 1970-01-01T00:00:00 expressed in .NET ticks.
	unixEpochTicks int64 = 621355968000000000
	ticksPerSecond int64 = 10000000
	nanosPerTick   int64 = 100
)

var textLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Time is a timestamp column. It reads SQLite datetime text as well as the
// integer .NET ticks that earlier MoreCoffee builds stored, and always
// writes through the driver's datetime encoding.
type Time struct {
	time.Time
}

// From wraps t.
func From(t time.Time) Time {
	return Time{Time: t}
}

// FromTicks converts .NET ticks to a time. Ticks carry no zone; they hold
// the local wall clock of the device that recorded them.
func FromTicks(ticks int64) Time {
	delta := ticks - unixEpochTicks
	wall := time.Unix(delta/ticksPerSecond, (delta%ticksPerSecond)*nanosPerTick).UTC()
	return Time{Time: time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.Local)}
}

// Ticks returns the .NET tick count of t's wall clock.
func (t Time) Ticks() int64 {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	return wall.Unix()*ticksPerSecond + int64(wall.Nanosecond())/nanosPerTick + unixEpochTicks
}

// UTC returns t in UTC.
func (t Time) UTC() Time {
	return Time{Time: t.Time.UTC()}
}

// Scan implements sql.Scanner.
func (t *Time) Scan(value interface{}) error {
	switch typed := value.(type) {
	case nil:
		*t = Time{}
	case time.Time:
		*t = Time{Time: typed}
	case int64:
		*t = FromTicks(typed)
	case []byte:
		return t.scanText(string(typed))
	case string:
		return t.scanText(typed)
	default:
		return fmt.Errorf("datetime: unsupported column value %T", value)
	}
	return nil
}

func (t *Time) scanText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		*t = Time{}
		return nil
	}
	if ticks, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		*t = FromTicks(ticks)
		return nil
	}
	for _, layout := range textLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			*t = Time{Time: parsed}
			return nil
		}
	}
	return fmt.Errorf("datetime: unrecognised timestamp %q", text)
}

// Value implements driver.Valuer.
func (t Time) Value() (driver.Value, error) {
	return t.Time, nil
}

// GormDataType declares the column type used when gorm creates a table.
func (Time) GormDataType() string {
	return "datetime"
}
