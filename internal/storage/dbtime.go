package storage

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timeLayout is fixed width and always UTC so that text columns (SQLite)
// compare in chronological order. Postgres parses it into TIMESTAMPTZ.
const timeLayout = "2006-01-02 15:04:05.000000Z07:00"

type dbTime time.Time

func (t dbTime) Value() (driver.Value, error) {
	return time.Time(t).UTC().Format(timeLayout), nil
}

func (t *dbTime) Scan(src any) error {
	parsed, err := parseDBTime(src)
	if err != nil {
		return err
	}
	*t = dbTime(parsed)
	return nil
}

type nullDBTime struct {
	Time  time.Time
	Valid bool
}

func (t *nullDBTime) Scan(src any) error {
	if src == nil {
		t.Time, t.Valid = time.Time{}, false
		return nil
	}
	parsed, err := parseDBTime(src)
	if err != nil {
		return err
	}
	t.Time, t.Valid = parsed, true
	return nil
}

func (t nullDBTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func parseDBTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimeString(v)
	case []byte:
		return parseTimeString(string(v))
	default:
		return time.Time{}, fmt.Errorf("storage: cannot scan %T into time", src)
	}
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("storage: unrecognised time %q", s)
}
