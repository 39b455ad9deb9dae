package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	job, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a uniqueness rule,
// for example when attaching a second source to a defense submission.
var ErrConflict = errors.New("record already exists")

// ErrInvalidTransition is returned when a status update names a state that
// is not reachable from the record's current state. Jobs and evaluation
// runs only move queued -> running -> done or failed; once a record is
// terminal, every further transition fails with this error.
var ErrInvalidTransition = errors.New("invalid status transition")
