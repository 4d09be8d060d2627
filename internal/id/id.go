// Package id generates the identifiers used for sessions, proposals and rows.
package id

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh ULID string like "01J9Z3K4Q2W6ZV1D9M8N7C5B4A".
func New() string {
	return ulid.Make().String()
}

// Parse checks that s is a well-formed ULID and returns its creation time.
func Parse(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ulid.Time(u.Time()), nil
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
