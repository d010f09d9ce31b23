// Package id mints the ULIDs used for every journaled record.
package id

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID stamped with the current time.
func New() string {
	return At(time.Now())
}

// At returns a ULID stamped with t. Replays pass the event time so record
// ids sort with the events that produced them. Ids minted in the same
// millisecond are monotonic.
func At(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t.UTC()), ulid.DefaultEntropy()).String()
}

// Time extracts the timestamp from a ULID string.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
