package repository

import (
	"errors"
	"time"
)

// ErrConflict is returned by conditional writes whose precondition no longer
// holds, e.g. a concurrent writer got there first.
var ErrConflict = errors.New("conditional write conflict")

const dayLayout = time.DateOnly

func dayString(t time.Time) string {
	return t.Format(dayLayout)
}
